/*
Logic: the four ingest RPC handlers (§4.9). Grounded on the donor gateway's
handler.ProxyHandler request/validate/respond shape, adapted from
HTTP-proxy-to-upstream-provider semantics to validate/enqueue/ack semantics
against the local queue, cache, and ticket manager.
*/
package server

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/AlfredDev/actcore/internal/apierr"
	"github.com/AlfredDev/actcore/internal/model"
)

// ─── log_event ───────────────────────────────────────────────

type logEventRequest struct {
	Activity string          `json:"activity"`
	Features json.RawMessage `json:"features,omitempty"`
	Link     string          `json:"link,omitempty"`
	Customer string          `json:"customer"`
}

type ackResponse struct {
	Ack     bool   `json:"ack"`
	EventID string `json:"event_id,omitempty"`
	AtomID  string `json:"atom_id,omitempty"`
}

func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req logEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finishRequest("log_event", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "malformed request body")))
		return
	}

	activity := normalizeActivity(req.Activity, s.activityPrefix)
	if err := model.ValidateActivity(activity); err != nil {
		s.finishRequest("log_event", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid activity")))
		return
	}
	if err := model.ValidateCustomer(req.Customer); err != nil {
		s.finishRequest("log_event", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid customer")))
		return
	}
	if err := model.ValidateFeatures(req.Features); err != nil {
		s.finishRequest("log_event", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid features")))
		return
	}

	eventID := newEventID()
	event := model.Event{
		EventID:  eventID,
		Activity: activity,
		Customer: req.Customer,
		Ts:       time.Now().UTC(),
		Link:     req.Link,
		Features: req.Features,
		QueryTag: s.warehouse.QueryTag(),
	}

	if err := s.queue.Enqueue(event); err != nil {
		s.metrics.TrackQueueDrop()
		s.finishRequest("log_event", start, writeErrAnd(w, err))
		return
	}

	s.finishRequest("log_event", start, http.StatusOK)
	writeJSON(w, ackResponse{Ack: true, EventID: eventID})
}

// ─── get_context ─────────────────────────────────────────────

type getContextRequest struct {
	Customer string `json:"customer"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req getContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finishRequest("get_context", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "malformed request body")))
		return
	}
	if err := model.ValidateCustomer(req.Customer); err != nil {
		s.finishRequest("get_context", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid customer")))
		return
	}

	if s.accessTracker != nil {
		s.accessTracker.RecordAccess(req.Customer)
	}

	res, err := s.cache.Get(r.Context(), req.Customer)
	s.metrics.TrackCacheLookup(res.Tier)
	if err != nil {
		// read-path failures present as null with a warning, per §7, unless
		// the deadline itself elapsed — that one is surfaced as Timeout.
		if apierr.KindOf(err) == apierr.Timeout {
			s.finishRequest("get_context", start, writeErrAnd(w, err))
			return
		}
		s.logger.Warn().Err(err).Str("customer", req.Customer).Msg("get_context warehouse failure, returning null")
		s.finishRequest("get_context", start, http.StatusOK)
		writeJSON(w, map[string]interface{}{"value": nil})
		return
	}
	if !res.Found {
		s.finishRequest("get_context", start, http.StatusOK)
		writeJSON(w, map[string]interface{}{"value": nil})
		return
	}

	serialized, err := json.Marshal(res.Value)
	if err != nil {
		s.finishRequest("get_context", start, writeErrAnd(w, apierr.Wrap(apierr.Internal, err, "serialize context")))
		return
	}
	if req.MaxBytes > 0 && len(serialized) > req.MaxBytes {
		s.finishRequest("get_context", start, http.StatusOK)
		writeJSON(w, map[string]interface{}{
			"value": map[string]interface{}{
				"truncated":     true,
				"original_size": len(serialized),
				"data":          truncatedPrefix(serialized, req.MaxBytes),
			},
		})
		return
	}

	s.finishRequest("get_context", start, http.StatusOK)
	writeJSON(w, map[string]interface{}{"value": res.Value})
}

// ─── submit_query ────────────────────────────────────────────

type submitQueryRequest struct {
	Template string        `json:"template"`
	Params   []interface{} `json:"params"`
	ByteCap  int64         `json:"byte_cap,omitempty"`
}

type submitQueryResponse struct {
	TicketID string `json:"ticket_id"`
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req submitQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finishRequest("submit_query", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "malformed request body")))
		return
	}
	if _, ok := s.templates.Lookup(req.Template); !ok {
		s.finishRequest("submit_query", start, writeErrAnd(w, apierr.New(apierr.InvalidArgument, "unknown template %q", req.Template)))
		return
	}
	if _, _, err := s.templates.Bind(req.Template, req.Params); err != nil {
		s.finishRequest("submit_query", start, writeErrAnd(w, err))
		return
	}

	queryTag := s.warehouse.QueryTag()
	t := s.tickets.Create(req.Template, req.Params, req.ByteCap, queryTag)

	sqlEvent := model.Event{
		EventID:  newEventID(),
		Activity: normalizeActivity("sql_executed", s.activityPrefix),
		Customer: "_system",
		Ts:       time.Now().UTC(),
		QueryTag: queryTag,
	}
	payload, _ := json.Marshal(map[string]string{"template": req.Template, "ticket_id": t.TicketID})
	sqlEvent.Features = payload
	if err := s.queue.Enqueue(sqlEvent); err != nil {
		s.logger.Warn().Err(err).Str("ticket_id", t.TicketID).Msg("submit_query audit-trail enqueue failed")
	}

	go s.executeTicket(t.TicketID)

	s.finishRequest("submit_query", start, http.StatusOK)
	writeJSON(w, submitQueryResponse{TicketID: t.TicketID})
}

// executeTicket runs a submitted query asynchronously against the
// warehouse, bounded by PERF_DB_QUERY_MS — never part of the RPC's own
// latency budget.
func (s *Server) executeTicket(ticketID string) {
	t, ok := s.tickets.Get(ticketID)
	if !ok {
		return
	}
	s.tickets.MarkRunning(ticketID)

	ctx, cancel := s.withDBTimeout()
	defer cancel()

	rows, err := s.warehouse.Query(ctx, "", t.TemplateName, t.Params...)
	if err != nil {
		s.tickets.Fail(ticketID, err)
		return
	}
	result, err := json.Marshal(rows)
	if err != nil {
		s.tickets.Fail(ticketID, err)
		return
	}
	if t.ByteCap > 0 && int64(len(result)) > t.ByteCap {
		// large results are spilled to external object storage in a full
		// deployment; here we note the cap was exceeded via the artifact ref.
		s.tickets.Complete(ticketID, nil, &model.ArtifactRef{
			ArtifactID: newEventID(),
			ByteSize:   int64(len(result)),
			Sample:     result[:t.ByteCap],
		})
		return
	}
	s.tickets.Complete(ticketID, result, nil)
}

// ─── log_insight ─────────────────────────────────────────────

type logInsightRequest struct {
	Subject        string          `json:"subject"`
	Metric         string          `json:"metric"`
	Value          json.RawMessage `json:"value"`
	ProvenanceHash string          `json:"provenance_hash"`
	Customer       string          `json:"customer"`
}

func (s *Server) handleLogInsight(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req logInsightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.finishRequest("log_insight", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "malformed request body")))
		return
	}
	if err := model.ValidateProvenanceHash(req.ProvenanceHash); err != nil {
		s.finishRequest("log_insight", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid provenance_hash")))
		return
	}
	if err := model.ValidateCustomer(req.Customer); err != nil {
		s.finishRequest("log_insight", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid customer")))
		return
	}
	if len(req.Value) == 0 || req.Value[0] == '{' {
		if err := model.ValidateFeatures(req.Value); err != nil {
			s.finishRequest("log_insight", start, writeErrAnd(w, apierr.Wrap(apierr.InvalidArgument, err, "invalid value")))
			return
		}
	} else if len(req.Value) > model.MaxFeaturesBytes {
		s.finishRequest("log_insight", start, writeErrAnd(w, apierr.New(apierr.InvalidArgument, "value exceeds %d bytes", model.MaxFeaturesBytes)))
		return
	}

	atomID := newEventID()
	insightPayload, _ := json.Marshal(model.InsightAtom{
		AtomID:         atomID,
		Customer:       req.Customer,
		Subject:        req.Subject,
		Metric:         req.Metric,
		Value:          req.Value,
		ProvenanceHash: req.ProvenanceHash,
		Ts:             time.Now().UTC(),
	})

	event := model.Event{
		EventID:  newEventID(),
		Activity: normalizeActivity("insight_recorded", s.activityPrefix),
		Customer: req.Customer,
		Ts:       time.Now().UTC(),
		Features: insightPayload,
		QueryTag: s.warehouse.QueryTag(),
	}
	if err := s.queue.Enqueue(event); err != nil {
		s.metrics.TrackQueueDrop()
		s.finishRequest("log_insight", start, writeErrAnd(w, err))
		return
	}

	s.finishRequest("log_insight", start, http.StatusOK)
	writeJSON(w, ackResponse{Ack: true, AtomID: atomID})
}

// ─── helpers ─────────────────────────────────────────────────

func normalizeActivity(activity, prefix string) string {
	if activity == "" {
		return activity
	}
	if strings.Contains(activity, ".") {
		return activity
	}
	return prefix + "." + activity
}

// jsonFrame tracks one open object/array while truncatedPrefix rebuilds a
// valid JSON value token by token.
type jsonFrame struct {
	isObject bool
	wantKey  bool // next token in an object is a key, not a value
	count    int  // values (or key/value pairs) written so far
}

// truncatedPrefix rebuilds the largest valid, depth-closed JSON value whose
// source tokens fit within the first limit bytes of serialized (§4.9:
// "data is the parse of the prefix of the serialization"). Re-serializing
// byte-for-byte is not possible in general since any object or array left
// open at the cut point must be closed, so the result is a parse of a
// prefix, not a byte slice of one.
func truncatedPrefix(serialized []byte, limit int) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(serialized))
	dec.UseNumber()

	var buf bytes.Buffer
	var stack []jsonFrame

	sep := func() {
		if len(stack) == 0 {
			return
		}
		top := &stack[len(stack)-1]
		switch {
		case top.isObject && top.wantKey:
			if top.count > 0 {
				buf.WriteByte(',')
			}
		case top.isObject:
			buf.WriteByte(':')
		default:
			if top.count > 0 {
				buf.WriteByte(',')
			}
		}
	}
	closeChild := func() {
		if len(stack) == 0 {
			return
		}
		top := &stack[len(stack)-1]
		if top.isObject {
			top.wantKey = true
		}
		top.count++
	}

	for {
		tok, err := dec.Token()
		if err != nil || dec.InputOffset() > int64(limit) {
			break
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{':
				sep()
				buf.WriteByte('{')
				stack = append(stack, jsonFrame{isObject: true, wantKey: true})
			case '[':
				sep()
				buf.WriteByte('[')
				stack = append(stack, jsonFrame{})
			case '}', ']':
				if delim == '}' {
					buf.WriteByte('}')
				} else {
					buf.WriteByte(']')
				}
				stack = stack[:len(stack)-1]
				closeChild()
			}
			continue
		}

		sep()
		enc, _ := json.Marshal(tok)
		buf.Write(enc)
		if len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.isObject && top.wantKey {
				top.wantKey = false
			} else {
				closeChild()
			}
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].isObject {
			buf.WriteByte('}')
		} else {
			buf.WriteByte(']')
		}
	}
	if buf.Len() == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(buf.Bytes())
}

func newEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		sum := sha256.Sum256([]byte(time.Now().String()))
		return hex.EncodeToString(sum[:16])
	}
	return hex.EncodeToString(b)
}

// writeErrAnd writes the error envelope and returns the HTTP status used,
// so finishRequest can record it without re-deriving the mapping.
func writeErrAnd(w http.ResponseWriter, err error) int {
	writeErr(w, err)
	return httpStatusFor(err)
}

func httpStatusFor(err error) int {
	switch apierr.KindOf(err) {
	case apierr.InvalidArgument:
		return http.StatusBadRequest
	case apierr.Overloaded:
		return http.StatusTooManyRequests
	case apierr.Timeout:
		return http.StatusGatewayTimeout
	case apierr.Unavailable:
		return http.StatusServiceUnavailable
	case apierr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

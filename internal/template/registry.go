/*
Logic: process-global immutable registry of pre-registered SQL templates
(§4.1). Every warehouse call goes through a Template by name; dynamic SQL
is forbidden. Grounded on the donor gateway's static-table idiom in
provider/pricing.go (a process-global, self-checked map of name→struct)
generalized from pricing tables to SQL templates, plus the fingerprinting
convention the donor uses for request/trace IDs (sha256 → hex prefix).
*/
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/AlfredDev/actcore/internal/apierr"
	"github.com/AlfredDev/actcore/internal/model"
)

// Validator binds a positional parameter list, in template-declared order,
// to a new list of primitives/strings safe to pass to the driver.
type Validator func(params []interface{}) ([]interface{}, error)

// Template is a single pre-registered, parameterized SQL statement.
type Template struct {
	Name            string
	SQLText         string
	Validator       Validator
	PlaceholderCount int
}

// Registry is the process-global immutable mapping from template name to
// Template. Construct with New(); the zero value is not usable.
type Registry struct {
	byName map[string]*Template
}

// placeholderPattern finds positional markers of the form $1, $2, ...
var placeholderPattern = regexp.MustCompile(`\$[0-9]+`)

// forbiddenSigils catches string-concatenation operators and templating
// sigils that would defeat the safe-template contract.
var forbiddenSigils = []string{"||", "%s", "%v", "{{", "}}", "+ \"", "\" +"}

// New builds the registry and self-checks every template: every sql_text is
// scanned and rejected if it contains a concatenation operator, a
// templating sigil, or doesn't declare the right number of placeholders.
func New() (*Registry, error) {
	r := &Registry{byName: make(map[string]*Template)}
	for _, t := range builtinTemplates() {
		if err := selfCheck(t); err != nil {
			return nil, fmt.Errorf("template %s failed self-check: %w", t.Name, err)
		}
		t := t
		r.byName[t.Name] = &t
	}
	return r, nil
}

func selfCheck(t Template) error {
	for _, sigil := range forbiddenSigils {
		if strings.Contains(t.SQLText, sigil) {
			return fmt.Errorf("sql_text contains forbidden sigil %q", sigil)
		}
	}
	found := placeholderPattern.FindAllString(t.SQLText, -1)
	unique := make(map[string]bool)
	for _, f := range found {
		unique[f] = true
	}
	if len(unique) != t.PlaceholderCount {
		return fmt.Errorf("declared %d placeholders, found %d", t.PlaceholderCount, len(unique))
	}
	return nil
}

// Lookup returns the template by name, or ok=false if unknown.
func (r *Registry) Lookup(name string) (*Template, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns all registered template names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bind validates params against the named template's validator and returns
// the bound parameter list along with a provenance-hash fingerprint.
// Fails with InvalidArgument per the contract in §4.1.
func (r *Registry) Bind(name string, params []interface{}) (bound []interface{}, fingerprint string, err error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, "", apierr.New(apierr.InvalidArgument, "unknown template %q", name)
	}
	if len(params) != t.PlaceholderCount {
		return nil, "", apierr.New(apierr.InvalidArgument, "template %s expects %d params, got %d", name, t.PlaceholderCount, len(params))
	}
	bound, err = t.Validator(params)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.InvalidArgument, err, "parameter validation failed for %s", name)
	}
	fingerprint = Fingerprint(t.SQLText, bound)
	return bound, fingerprint, nil
}

// Fingerprint computes the first 16 hex chars of sha256(normalize(sql) ||
// canonical_json(params)), used as the provenance hash (§4.1).
func Fingerprint(sqlText string, params []interface{}) string {
	canon, _ := json.Marshal(params)
	h := sha256.New()
	h.Write([]byte(normalize(sqlText)))
	h.Write(canon)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:model.ProvenanceHashLen]
}

func normalize(sqlText string) string {
	fields := strings.Fields(sqlText)
	return strings.ToLower(strings.Join(fields, " "))
}

// ─── Shared validator primitives ────────────────────────────

func validateString(v interface{}, maxLen int, class *regexp.Regexp) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	if len(s) > maxLen {
		return "", fmt.Errorf("string exceeds max length %d", maxLen)
	}
	if class != nil && !class.MatchString(s) {
		return "", fmt.Errorf("string %q does not match required character class", s)
	}
	return s, nil
}

func validateInt(v interface{}, min, max int64) (int64, error) {
	switch n := v.(type) {
	case int:
		return validateIntRange(int64(n), min, max)
	case int64:
		return validateIntRange(n, min, max)
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("expected integer, got fractional value")
		}
		return validateIntRange(int64(n), min, max)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func validateIntRange(n, min, max int64) (int64, error) {
	if n < min || n > max {
		return 0, fmt.Errorf("integer %d out of declared range [%d,%d]", n, min, max)
	}
	return n, nil
}

func validateURL(v interface{}, allowedSchemes ...string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string URL, got %T", v)
	}
	if s == "" {
		return "", nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	allowed := false
	for _, scheme := range allowedSchemes {
		if u.Scheme == scheme {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("URL scheme %q not in allowlist %v", u.Scheme, allowedSchemes)
	}
	return s, nil
}

func validateJSON(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if err := model.ValidateFeatures(t); err != nil {
			return nil, err
		}
		return t, nil
	case string:
		raw := json.RawMessage(t)
		if err := model.ValidateFeatures(raw); err != nil {
			return nil, err
		}
		return raw, nil
	case nil:
		return nil, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
		}
		if err := model.ValidateFeatures(b); err != nil {
			return nil, err
		}
		return b, nil
	}
}

var (
	customerClass = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
	activityClass = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	hexClass      = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// builtinTemplates declares the closed set of at-least templates §4.1
// requires: LOG_EVENT, LOG_INSIGHT, GET_CONTEXT, UPDATE_CONTEXT,
// GET_RECENT_ACTIVITIES, GET_ACTIVITY_STATS, CHECK_HEALTH, CHECK_INGEST_ID,
// RECORD_INGEST_ID, GET_ACTIVE_CUSTOMERS.
func builtinTemplates() []Template {
	return []Template{
		{
			Name: "LOG_EVENT",
			SQLText: "INSERT INTO activities (event_id, activity, customer, ts, link, revenue_impact, features, " +
				"source_system, source_version, session_id, query_tag) VALUES " +
				"($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
			PlaceholderCount: 11,
			Validator: func(p []interface{}) ([]interface{}, error) {
				eventID, err := validateString(p[0], 64, hexClass)
				if err != nil {
					return nil, fmt.Errorf("event_id: %w", err)
				}
				activity, err := validateString(p[1], 256, activityClass)
				if err != nil {
					return nil, fmt.Errorf("activity: %w", err)
				}
				customer, err := validateString(p[2], model.MaxCustomerLen, customerClass)
				if err != nil {
					return nil, fmt.Errorf("customer: %w", err)
				}
				ts, ok := p[3].(string)
				if !ok {
					return nil, fmt.Errorf("ts: expected RFC3339 string")
				}
				link, err := validateURL(p[4], "http", "https", "")
				if err != nil {
					return nil, fmt.Errorf("link: %w", err)
				}
				revenue, err := nullableInt(p[5])
				if err != nil {
					return nil, fmt.Errorf("revenue_impact: %w", err)
				}
				features, err := validateJSON(p[6])
				if err != nil {
					return nil, fmt.Errorf("features: %w", err)
				}
				sourceSystem, _ := validateString(orEmpty(p[7]), 128, nil)
				sourceVersion, _ := validateString(orEmpty(p[8]), 64, nil)
				sessionID, _ := validateString(orEmpty(p[9]), 128, nil)
				queryTag, err := validateString(p[10], 64, nil)
				if err != nil {
					return nil, fmt.Errorf("query_tag: %w", err)
				}
				return []interface{}{eventID, activity, customer, ts, link, revenue, features, sourceSystem, sourceVersion, sessionID, queryTag}, nil
			},
		},
		{
			Name:             "LOG_INSIGHT",
			SQLText:          "INSERT INTO insight_atoms (atom_id, customer, subject, metric, value, provenance_hash, ts, valid_until) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			PlaceholderCount: 8,
			Validator: func(p []interface{}) ([]interface{}, error) {
				atomID, err := validateString(p[0], 64, hexClass)
				if err != nil {
					return nil, fmt.Errorf("atom_id: %w", err)
				}
				customer, err := validateString(p[1], model.MaxCustomerLen, customerClass)
				if err != nil {
					return nil, fmt.Errorf("customer: %w", err)
				}
				subject, err := validateString(p[2], 256, nil)
				if err != nil {
					return nil, fmt.Errorf("subject: %w", err)
				}
				metric, err := validateString(p[3], 256, nil)
				if err != nil {
					return nil, fmt.Errorf("metric: %w", err)
				}
				var value json.RawMessage
				if raw, ok := p[4].(json.RawMessage); ok && len(raw) > 0 && raw[0] != '{' {
					// Scalar or array insight values skip the object-only features check.
					if len(raw) > model.MaxFeaturesBytes {
						return nil, fmt.Errorf("value: exceeds %d bytes", model.MaxFeaturesBytes)
					}
					value = raw
				} else if value, err = validateJSON(p[4]); err != nil {
					return nil, fmt.Errorf("value: %w", err)
				}
				hash, ok := p[5].(string)
				if !ok {
					return nil, fmt.Errorf("provenance_hash: expected string")
				}
				if err := model.ValidateProvenanceHash(hash); err != nil {
					return nil, err
				}
				ts, ok := p[6].(string)
				if !ok {
					return nil, fmt.Errorf("ts: expected RFC3339 string")
				}
				validUntil := orEmpty(p[7])
				return []interface{}{atomID, customer, subject, metric, value, hash, ts, validUntil}, nil
			},
		},
		{
			Name:             "GET_CONTEXT",
			SQLText:          "SELECT customer, context_blob, updated_at FROM context_records WHERE customer = $1",
			PlaceholderCount: 1,
			Validator: func(p []interface{}) ([]interface{}, error) {
				customer, err := validateString(p[0], model.MaxCustomerLen, customerClass)
				if err != nil {
					return nil, fmt.Errorf("customer: %w", err)
				}
				return []interface{}{customer}, nil
			},
		},
		{
			Name:             "UPDATE_CONTEXT",
			SQLText:          "UPDATE context_records SET context_blob = $2, updated_at = $3 WHERE customer = $1",
			PlaceholderCount: 3,
			Validator: func(p []interface{}) ([]interface{}, error) {
				customer, err := validateString(p[0], model.MaxCustomerLen, customerClass)
				if err != nil {
					return nil, fmt.Errorf("customer: %w", err)
				}
				blob, err := validateJSON(p[1])
				if err != nil {
					return nil, fmt.Errorf("context_blob: %w", err)
				}
				ts, ok := p[2].(string)
				if !ok {
					return nil, fmt.Errorf("updated_at: expected RFC3339 string")
				}
				return []interface{}{customer, blob, ts}, nil
			},
		},
		{
			Name:             "GET_RECENT_ACTIVITIES",
			SQLText:          "SELECT event_id, activity, ts FROM activities WHERE customer = $1 ORDER BY ts DESC LIMIT $2",
			PlaceholderCount: 2,
			Validator: func(p []interface{}) ([]interface{}, error) {
				customer, err := validateString(p[0], model.MaxCustomerLen, customerClass)
				if err != nil {
					return nil, fmt.Errorf("customer: %w", err)
				}
				limit, err := validateInt(p[1], 1, 1000)
				if err != nil {
					return nil, fmt.Errorf("limit: %w", err)
				}
				return []interface{}{customer, limit}, nil
			},
		},
		{
			Name:             "GET_ACTIVITY_STATS",
			SQLText:          "SELECT activity, count(*) AS n FROM activities WHERE customer = $1 AND ts >= $2 GROUP BY activity",
			PlaceholderCount: 2,
			Validator: func(p []interface{}) ([]interface{}, error) {
				customer, err := validateString(p[0], model.MaxCustomerLen, customerClass)
				if err != nil {
					return nil, fmt.Errorf("customer: %w", err)
				}
				since, ok := p[1].(string)
				if !ok {
					return nil, fmt.Errorf("since: expected RFC3339 string")
				}
				return []interface{}{customer, since}, nil
			},
		},
		{
			Name:             "CHECK_HEALTH",
			SQLText:          "SELECT 1 AS ok",
			PlaceholderCount: 0,
			Validator: func(p []interface{}) ([]interface{}, error) {
				return nil, nil
			},
		},
		{
			Name:             "CHECK_INGEST_ID",
			SQLText:          "SELECT 1 FROM ingest_ids WHERE event_id = $1",
			PlaceholderCount: 1,
			Validator: func(p []interface{}) ([]interface{}, error) {
				id, err := validateString(p[0], 64, hexClass)
				if err != nil {
					return nil, fmt.Errorf("event_id: %w", err)
				}
				return []interface{}{id}, nil
			},
		},
		{
			Name:             "RECORD_INGEST_ID",
			SQLText:          "INSERT INTO ingest_ids (event_id, recorded_at) VALUES ($1, $2)",
			PlaceholderCount: 2,
			Validator: func(p []interface{}) ([]interface{}, error) {
				id, err := validateString(p[0], 64, hexClass)
				if err != nil {
					return nil, fmt.Errorf("event_id: %w", err)
				}
				ts, ok := p[1].(string)
				if !ok {
					return nil, fmt.Errorf("recorded_at: expected RFC3339 string")
				}
				return []interface{}{id, ts}, nil
			},
		},
		{
			Name:             "GET_ACTIVE_CUSTOMERS",
			SQLText:          "SELECT DISTINCT customer FROM activities WHERE ts >= $1 LIMIT $2",
			PlaceholderCount: 2,
			Validator: func(p []interface{}) ([]interface{}, error) {
				since, ok := p[0].(string)
				if !ok {
					return nil, fmt.Errorf("since: expected RFC3339 string")
				}
				limit, err := validateInt(p[1], 1, 10000)
				if err != nil {
					return nil, fmt.Errorf("limit: %w", err)
				}
				return []interface{}{since, limit}, nil
			},
		},
	}
}

func orEmpty(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}

func nullableInt(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	n, err := validateInt(v, -1_000_000_000_000, 1_000_000_000_000)
	if err != nil {
		return nil, err
	}
	return n, nil
}

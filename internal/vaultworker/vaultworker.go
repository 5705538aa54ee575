// Package vaultworker is the Vault worker: it renders a templated
// request body, invokes a cloud function over HTTP, and projects the
// JSON response into a list of model.KafkaSecurityDirective via a
// declarative "rosetta" mapping of JSON-path expressions.
//
// This is the only place in the harness credentials exist in memory;
// every directive's String/GoString method redacts its JAASConfig (see
// internal/model), and obslog's redacting core is a second, independent
// line of defense at the logging boundary.
package vaultworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/itchyny/gojq"

	"github.com/CrisisTextLine/kafka-harness/internal/model"
)

// RequestParams is the only namespace a caller may populate with
// sensitive input; it is the single variable namespace the body template
// is permitted to reference beyond fixed constants and system context.
type RequestParams map[string]interface{}

// TemplateContext is the three-namespace variable set available to the
// request body template.
type TemplateContext struct {
	RequestParams RequestParams          `json:"request-params"`
	Constants     map[string]interface{} `json:"constants"`
	System        map[string]interface{} `json:"system"`
}

// RosettaRule is one declarative JSON-path projection from the vault
// response into a KafkaSecurityDirective field.
type RosettaRule struct {
	Topic            string // literal, or "$.path" evaluated against the response element
	Role             string
	SecurityProtocol string // JSON-path into the response
	JAASConfigPath   string // JSON-path into the response
}

// Mapping is the full rosetta mapping for one vault invocation: a JSON
// path selecting the list of per-topic elements in the response, plus
// per-element JSON-path expressions projecting each element's fields.
type Mapping struct {
	ElementsPath     string // e.g. ".directives[]"
	TopicPath        string // relative to each element, e.g. ".topic"
	RolePath         string
	SecurityProtocolPath string
	JAASConfigPath   string
}

// Invoker performs the narrow, async HTTP POST to the cloud function.
// The default implementation is plain net/http — spec treats this as "a
// single POST-and-parse call", which is the idiomatic minimum; see
// DESIGN.md for why no richer RPC client from the corpus was wired here.
type Invoker interface {
	Invoke(ctx context.Context, url string, body []byte) ([]byte, error)
}

// HTTPInvoker is the default Invoker.
type HTTPInvoker struct {
	Client *http.Client
}

// NewHTTPInvoker builds an HTTPInvoker with the given per-call timeout.
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vaultworker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vaultworker: invoke: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vaultworker: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vaultworker: cloud function returned status %d", resp.StatusCode)
	}
	return respBody, nil
}

// Worker is the per-test Vault worker.
type Worker struct {
	invoker     Invoker
	functionURL string
	bodyTmpl    *template.Template
	mapping     Mapping
	constants   map[string]interface{}
}

// New builds a Worker. bodyTemplate is parsed once at construction, so
// a malformed operator-supplied template is reported by New; the FSM
// builds one Worker per test, and that error routes the test to
// Exception.
func New(invoker Invoker, functionURL, bodyTemplate string, mapping Mapping, constants map[string]interface{}) (*Worker, error) {
	tmpl, err := template.New("vault-request").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("vaultworker: parse request body template: %w", err)
	}
	return &Worker{
		invoker:     invoker,
		functionURL: functionURL,
		bodyTmpl:    tmpl,
		mapping:     mapping,
		constants:   constants,
	}, nil
}

// Initialize renders the request body from directive's topics, invokes
// the cloud function, and projects the response into one
// KafkaSecurityDirective per topic/role pairing (SecurityFetched).
func (w *Worker) Initialize(ctx context.Context, directive model.BlockStorageDirective, requestParams RequestParams) ([]model.KafkaSecurityDirective, error) {
	body, err := w.renderBody(directive, requestParams)
	if err != nil {
		return nil, fmt.Errorf("vaultworker: render request body: %w", err)
	}

	respBody, err := w.invoker.Invoke(ctx, w.functionURL, body)
	if err != nil {
		return nil, fmt.Errorf("vaultworker: invoke cloud function: %w", err)
	}

	directives, err := w.applyRosetta(respBody)
	if err != nil {
		return nil, fmt.Errorf("vaultworker: apply rosetta mapping: %w", err)
	}
	return directives, nil
}

func (w *Worker) renderBody(directive model.BlockStorageDirective, requestParams RequestParams) ([]byte, error) {
	topics := make([]map[string]string, 0, len(directive.Topics))
	for _, t := range directive.Topics {
		topics = append(topics, map[string]string{
			"topic":           t.Topic,
			"role":            string(t.Role),
			"clientPrincipal": t.ClientPrincipal,
		})
	}

	tctx := TemplateContext{
		RequestParams: requestParams,
		Constants:     w.constants,
		System: map[string]interface{}{
			"bucket": directive.Bucket,
			"topics": topics,
		},
	}

	var buf bytes.Buffer
	if err := w.bodyTmpl.Execute(&buf, tctx); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// applyRosetta evaluates the Mapping's gojq expressions against the raw
// JSON response, the library DataDog contrib's neighbour
// jordigilh-kubernaut uses for declarative JSON querying.
func (w *Worker) applyRosetta(respBody []byte) ([]model.KafkaSecurityDirective, error) {
	var parsed interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response JSON: %w", err)
	}

	elements, err := runJQAll(w.mapping.ElementsPath, parsed)
	if err != nil {
		return nil, fmt.Errorf("evaluate elements path %q: %w", w.mapping.ElementsPath, err)
	}

	directives := make([]model.KafkaSecurityDirective, 0, len(elements))
	for _, elem := range elements {
		topic, err := runJQOne(w.mapping.TopicPath, elem)
		if err != nil {
			return nil, fmt.Errorf("topic path: %w", err)
		}
		role, err := runJQOne(w.mapping.RolePath, elem)
		if err != nil {
			return nil, fmt.Errorf("role path: %w", err)
		}
		protocol, err := runJQOne(w.mapping.SecurityProtocolPath, elem)
		if err != nil {
			return nil, fmt.Errorf("security protocol path: %w", err)
		}
		jaas, err := runJQOne(w.mapping.JAASConfigPath, elem)
		if err != nil {
			return nil, fmt.Errorf("jaas config path: %w", err)
		}
		directives = append(directives, model.KafkaSecurityDirective{
			Topic:            fmt.Sprint(topic),
			Role:             model.Role(fmt.Sprint(role)),
			SecurityProtocol: model.SecurityProtocol(fmt.Sprint(protocol)),
			JAASConfig:       fmt.Sprint(jaas),
		})
	}
	return directives, nil
}

func runJQAll(path string, input interface{}) ([]interface{}, error) {
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, err
	}
	iter := query.Run(input)
	var out []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func runJQOne(path string, input interface{}) (interface{}, error) {
	results, err := runJQAll(path, input)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no result for path %q", path)
	}
	return results[0], nil
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flydesk/flydesk/internal/models"
)

// Invoker builds and issues the HTTP request behind one catalog tool call
// . It is independent of confirmation gating, which the
// agent executor applies before ever calling Execute on a high-risk tool.
type Invoker struct {
	http   *http.Client
	auth   *AuthResolver
	system *models.ExternalSystem
	cred   *models.Credential
}

// NewInvoker constructs an Invoker bound to one system's base URL and
// credentials.
func NewInvoker(httpClient *http.Client, auth *AuthResolver, system *models.ExternalSystem, cred *models.Credential) *Invoker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Invoker{http: httpClient, auth: auth, system: system, cred: cred}
}

// Invoke builds and executes an HTTP request for endpoint with the given
// call arguments (path/query/body all drawn from the same args map, per the
// endpoint's declared param names), applying auth and SSO headers first
func (inv *Invoker) Invoke(ctx context.Context, endpoint *models.ServiceEndpoint, user *models.UserContext, args map[string]any) (*Result, error) {
	path, err := substitutePath(endpoint.Path, endpoint.PathParams, args)
	if err != nil {
		return nil, err
	}

	full, err := url.Parse(strings.TrimRight(inv.system.BaseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}
	q := full.Query()
	for _, name := range endpoint.QueryParams {
		if v, ok := args[name]; ok {
			q.Set(name, fmt.Sprintf("%v", v))
		}
	}
	full.RawQuery = q.Encode()

	var body io.Reader
	if isWriteMethod(endpoint.Method) {
		payload := bodyArgs(args, endpoint.PathParams, endpoint.QueryParams)
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, string(endpoint.Method), full.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if inv.auth != nil {
		name, value, err := inv.auth.ResolveCredentialHeader(inv.system, inv.cred)
		if err != nil {
			return nil, err
		}
		if name != "" {
			req.Header.Set(name, value)
		}
		for k, v := range inv.auth.SSOHeaders(inv.system.ID, user) {
			req.Header.Set(k, v)
		}
	}

	resp, err := inv.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s %s: %w", endpoint.Method, full.String(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &Result{Content: string(respBody), IsError: true}, nil
	}
	return &Result{Content: string(respBody)}, nil
}

func isWriteMethod(m models.HTTPMethod) bool {
	switch m {
	case models.MethodPost, models.MethodPut, models.MethodPatch, models.MethodDelete:
		return true
	default:
		return false
	}
}

func substitutePath(path string, pathParams []string, args map[string]any) (string, error) {
	out := path
	for _, name := range pathParams {
		v, ok := args[name]
		if !ok {
			return "", fmt.Errorf("missing required path parameter %q", name)
		}
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(fmt.Sprintf("%v", v)))
	}
	return out, nil
}

// bodyArgs returns args minus whatever was already consumed by path/query
// substitution, so the JSON body carries only the remaining fields.
func bodyArgs(args map[string]any, pathParams, queryParams []string) map[string]any {
	consumed := make(map[string]bool, len(pathParams)+len(queryParams))
	for _, p := range pathParams {
		consumed[p] = true
	}
	for _, p := range queryParams {
		consumed[p] = true
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if !consumed[k] {
			out[k] = v
		}
	}
	return out
}

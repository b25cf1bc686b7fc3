package extension

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/waypointhq/waypoint/core"
)

// GetDataFromURL issues a GET request and stores the status and decoded
// body:
//
//	["custom", {"name": "get_data_from_url",
//	            "args": {"url": "http://localhost:8090/user/profile",
//	                     "headers": {"Authorization": "API_TOKEN"},
//	                     "params": {"key": "data"},
//	                     "return_status": "PROFILE_STATUS",
//	                     "return_data": "PROFILE"}}]
//
// The request runs off the session; completion re-enters through the
// session's handoff. A non-2xx status fails the action with the response
// message stashed under ERROR_MESSAGE while the failure action runs.
type GetDataFromURL struct {
	*Base
	client *http.Client
}

// NewGetDataFromURL builds the extension.
func NewGetDataFromURL(ec *core.ExtensionContext) (core.Extension, error) {
	return &GetDataFromURL{Base: NewBase(ec), client: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Run validates arguments and launches the request.
func (g *GetDataFromURL) Run() error {
	target, ok := g.StringArg("url")
	if !ok {
		g.Logger().Error("get_data_from_url: missing or invalid url(str)")
		g.Failed(nil)
		return nil
	}

	if params, hasParams := g.MapArg("params"); hasParams && len(params) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			g.Logger().Error("get_data_from_url: invalid url", "url", target, "error", err)
			g.Failed(nil)
			return nil
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, core.Stringify(v))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	headers, _ := g.MapArg("headers")
	if len(headers) > 0 {
		headers = core.DeepCopy(headers).(map[string]any)
		for k, v := range headers {
			if sv, isStr := v.(string); isStr {
				if stored, found := g.Knowledge().Get(sv); found {
					headers[k] = stored
				}
			}
		}
	}

	async := g.Context().Async
	go func() {
		status, body, err := doRequest(g.client, http.MethodGet, target, headers, nil)
		async(func() { finishHTTP(g.Base, status, body, err, "") })
	}()
	return nil
}

// SendDataToURL posts (or puts) a JSON payload and stores the status and
// decoded response body:
//
//	["custom", {"name": "send_data_to_url",
//	            "args": {"url": "https://localhost:4848/newuser",
//	                     "payload": {"name": "GUESTNAME"},
//	                     "use_put": false,
//	                     "return_status": "SEND_STATUS",
//	                     "return_data": "SEND_RESULT"}}]
//
// Payload values resolve through the knowledge base, including the
// [template, [keys...]] composite form. Without a return_data key the
// response lands under SENT_DATA_TO_URL_RETURN.
type SendDataToURL struct {
	*Base
	client *http.Client
}

// NewSendDataToURL builds the extension.
func NewSendDataToURL(ec *core.ExtensionContext) (core.Extension, error) {
	return &SendDataToURL{Base: NewBase(ec), client: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Run resolves the payload and launches the request.
func (s *SendDataToURL) Run() error {
	target, ok := s.StringArg("url")
	if !ok {
		s.Logger().Error("send_data_to_url: missing or invalid url(str)")
		s.Failed(nil)
		return nil
	}

	rawPayload, ok := s.MapArg("payload")
	if !ok {
		s.Logger().Error("send_data_to_url: missing or invalid payload(dict)")
		s.Failed(nil)
		return nil
	}
	payload := core.DeepCopy(rawPayload).(map[string]any)
	for k, v := range payload {
		resolved, valid := resolveComposite(s.Knowledge(), v)
		if !valid {
			s.Logger().Error("send_data_to_url: invalid composite value in payload", "key", k)
			s.Failed(nil)
			return nil
		}
		payload[k] = resolved
	}

	headers := map[string]any{"Content-Type": "application/json"}
	if h, hasHeaders := s.MapArg("headers"); hasHeaders {
		headers = core.DeepCopy(h).(map[string]any)
		for k, v := range headers {
			if sv, isStr := v.(string); isStr {
				if stored, found := s.Knowledge().Get(sv); found {
					headers[k] = stored
				}
			}
		}
		if _, hasCT := headers["Content-Type"]; !hasCT {
			headers["Content-Type"] = "application/json"
		}
	}

	method := http.MethodPost
	if usePut, _ := s.BoolArg("use_put"); usePut {
		method = http.MethodPut
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.Logger().Error("send_data_to_url: cannot encode payload", "error", err)
		s.Failed(nil)
		return nil
	}
	s.Logger().Debug("sending payload", "url", target, "method", method)

	async := s.Context().Async
	go func() {
		status, respBody, err := doRequest(s.client, method, target, headers, body)
		async(func() { finishHTTP(s.Base, status, respBody, err, "SENT_DATA_TO_URL_RETURN") })
	}()
	return nil
}

// doRequest performs one HTTP exchange and decodes the response body as JSON
// when possible, falling back to the raw text.
func doRequest(client *http.Client, method, target string, headers map[string]any, payload []byte) (int, any, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, core.Stringify(v))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if len(raw) == 0 {
		return resp.StatusCode, nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return resp.StatusCode, string(raw), nil
	}
	return resp.StatusCode, decoded, nil
}

// finishHTTP applies the shared completion contract of the HTTP extensions.
// Runs in session context.
func finishHTTP(b *Base, status int, body any, err error, defaultDataKey string) {
	kb := b.Knowledge()
	if status > 0 {
		if key, ok := b.Args()["return_status"].(string); ok {
			if setErr := kb.Set(key, status); setErr != nil {
				b.Logger().Error("return_status is a reserved key", "key", key)
			}
		}
	}

	if err != nil || status < 200 || status >= 300 {
		if err != nil {
			_ = kb.Set(core.KeyErrorMessage, err.Error())
		} else {
			switch v := body.(type) {
			case string:
				_ = kb.Set(core.KeyErrorMessage, v)
			case map[string]any:
				if msg, ok := v["message"]; ok {
					_ = kb.Set(core.KeyErrorMessage, core.Stringify(msg))
				}
			}
		}
		b.Logger().Error("http request failed", "status", status, "error", err)
		b.Failed(nil)
		_ = kb.Set(core.KeyErrorMessage, "")
		return
	}

	if body != nil {
		if key, ok := b.Args()["return_data"].(string); ok {
			if setErr := kb.Set(key, body); setErr != nil {
				b.Logger().Error("return_data is a reserved key", "key", key)
			}
		} else if defaultDataKey != "" {
			_ = kb.Set(defaultDataKey, body)
		}
	}
	b.Succeeded(nil)
}

// resolveComposite maps a payload value through the knowledge base: a string
// naming a key yields the stored value, and a stored [template, [keys...]]
// pair is interpolated. The second return is false for a malformed
// composite.
func resolveComposite(kb *core.Knowledge, v any) (any, bool) {
	s, isStr := v.(string)
	if !isStr {
		return v, true
	}
	stored, found := kb.Get(s)
	if !found {
		return v, true
	}
	if list, isList := stored.([]any); isList && len(list) > 1 {
		tmpl, tmplOK := list[0].(string)
		rawKeys, keysOK := list[1].([]any)
		if !tmplOK || !keysOK {
			return nil, false
		}
		keys := make([]string, 0, len(rawKeys))
		for _, k := range rawKeys {
			keys = append(keys, core.Stringify(k))
		}
		return kb.Interpolate(tmpl, keys), true
	}
	return stored, true
}

// Package callback creates and dispatches the HTTP callbacks attached to
// builds.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/squad/pkg/store"
	"github.com/ethpandaops/squad/pkg/tasks"
)

// formPrefix prefixes the callback fields of submission forms.
const formPrefix = "callback_"

// maxResponseSize bounds a recorded response body.
const maxResponseSize = 1 << 20

// FromForm reads a callback for build from the callback_* fields of a
// submission form. It returns nil when the form has no callback_url.
// Headers are merged over the project's CALLBACK_HEADERS.
func FromForm(form url.Values, project *store.Project, build *store.Build) (*store.Callback, error) {
	target := form.Get(formPrefix + "url")
	if target == "" {
		return nil, nil
	}

	cb := &store.Callback{
		ObjectType:    store.CallbackObjectBuild,
		ObjectID:      build.ID,
		URL:           target,
		Event:         store.CallbackEventBuildFinished,
		Method:        store.CallbackMethodPost,
		PayloadIsJSON: true,
	}

	if v := form.Get(formPrefix + "event"); v != "" {
		cb.Event = v
	}

	if v := form.Get(formPrefix + "method"); v != "" {
		cb.Method = strings.ToLower(v)
	}

	if v := form.Get(formPrefix + "payload"); v != "" {
		cb.Payload = &v
	}

	if v := form.Get(formPrefix + "payload_is_json"); v != "" {
		cb.PayloadIsJSON = parseBool(v)
	}

	if v := form.Get(formPrefix + "record_response"); v != "" {
		cb.RecordResponse = parseBool(v)
	}

	headers := map[string]any{}

	settings, err := project.Settings()
	if err != nil {
		return nil, err
	}

	for k, v := range settings.CallbackHeaders {
		headers[k] = v
	}

	if v := form.Get(formPrefix + "headers"); v != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(v), &extra); err != nil {
			return nil, fmt.Errorf("%w: callback_headers is not a JSON object: %v", store.ErrInvalid, err)
		}

		for k, value := range extra {
			headers[k] = value
		}
	}

	if len(headers) > 0 {
		cb.Headers = headers
	}

	return cb, nil
}

// Create stores the callback described by a submission form, if any.
func Create(
	ctx context.Context, s store.Store, form url.Values, project *store.Project, build *store.Build,
) (*store.Callback, error) {
	cb, err := FromForm(form, project, build)
	if err != nil || cb == nil {
		return nil, err
	}

	if err := s.CreateCallback(ctx, cb); err != nil {
		return nil, err
	}

	return cb, nil
}

// parseBool treats "no", "false" and "False" as false and anything else as
// true.
func parseBool(v string) bool {
	switch v {
	case "no", "false", "False":
		return false
	default:
		return true
	}
}

// Dispatcher sends pending callbacks.
type Dispatcher struct {
	log    logrus.FieldLogger
	store  store.Store
	client *http.Client
}

// NewDispatcher creates a Dispatcher. A nil client uses a default client
// with a 30 second timeout.
func NewDispatcher(log logrus.FieldLogger, s store.Store, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Dispatcher{
		log:    log.WithField("component", "callback"),
		store:  s,
		client: client,
	}
}

// Register binds the callback tasks to w.
func (d *Dispatcher) Register(w tasks.Worker) {
	w.Register(tasks.DispatchBuildCallbacks, tasks.IDHandler(d.DispatchBuildFinished))
}

// DispatchBuildFinished sends every unsent on_build_finished callback of a
// build. Failed callbacks stay unsent and make the call return an error.
func (d *Dispatcher) DispatchBuildFinished(ctx context.Context, buildID uint) error {
	callbacks, err := d.store.ListPendingCallbacks(
		ctx, store.CallbackObjectBuild, buildID, store.CallbackEventBuildFinished,
	)
	if err != nil {
		return err
	}

	var errs []error

	for i := range callbacks {
		if err := d.Dispatch(ctx, &callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Dispatch sends a callback once. Sent callbacks are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, cb *store.Callback) error {
	if cb.IsSent {
		return nil
	}

	log := d.log.WithFields(logrus.Fields{"callback": cb.ID, "url": cb.URL})

	req, err := d.request(ctx, cb)
	if err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("Callback failed")

		return fmt.Errorf("dispatching callback %d: %w", cb.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if cb.RecordResponse {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return fmt.Errorf("reading response of callback %d: %w", cb.ID, err)
		}

		content := string(body)
		code := resp.StatusCode
		cb.ResponseCode = &code
		cb.ResponseContent = &content
	}

	cb.IsSent = true

	if err := d.store.UpdateCallback(ctx, cb); err != nil {
		return err
	}

	log.WithField("status", resp.StatusCode).Info("Dispatched callback")

	return nil
}

func (d *Dispatcher) request(ctx context.Context, cb *store.Callback) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)

	if cb.Method == store.CallbackMethodPost && cb.Payload != nil {
		if cb.PayloadIsJSON {
			body = strings.NewReader(*cb.Payload)
			contentType = "application/json"
		} else {
			form, err := formPayload(*cb.Payload)
			if err != nil {
				return nil, fmt.Errorf("callback %d: %w", cb.ID, err)
			}

			body = strings.NewReader(form.Encode())
			contentType = "application/x-www-form-urlencoded"
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(cb.Method), cb.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request for callback %d: %w", cb.ID, err)
	}

	for k, v := range cb.Headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return req, nil
}

// formPayload decodes a JSON object payload into form values.
func formPayload(payload string) (url.Values, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("form payload is not a JSON object: %w", err)
	}

	form := url.Values{}

	for k, v := range fields {
		switch value := v.(type) {
		case []any:
			for _, item := range value {
				form.Add(k, fmt.Sprint(item))
			}
		default:
			form.Set(k, fmt.Sprint(value))
		}
	}

	return form, nil
}

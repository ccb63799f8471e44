package workflow

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/smartprospect/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidCallback is returned for callback bodies that fail schema validation.
var ErrInvalidCallback = errors.New("invalid callback payload")

// Envelope carries the correlation fields shared by every callback.
type Envelope struct {
	EventID    string
	CampaignID uuid.UUID
	JobID      uuid.UUID
	RunID      string
}

// EventKey is the idempotency key for the callback: the engine's event id
// when it sends one, otherwise the job id.
func (e Envelope) EventKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.JobID.String()
}

// ProspectResult is the per-prospect outcome of a generation run.
type ProspectResult struct {
	Ordinal int
	Status  string
	Assets  models.ProspectAssets
}

// GenerationResult is GenerationSucceeded or GenerationFailed.
type GenerationResult interface{ generationResult() }

type GenerationSucceeded struct {
	Prospects []ProspectResult
}

// GenerationFailed may still carry partial prospect results.
type GenerationFailed struct {
	Reason    string
	Prospects []ProspectResult
}

func (GenerationSucceeded) generationResult() {}
func (GenerationFailed) generationResult()    {}

type GenerationCallback struct {
	Envelope
	Result GenerationResult
}

// DispatchResult is DispatchSucceeded or DispatchFailed.
type DispatchResult interface{ dispatchResult() }

type DispatchSucceeded struct{}

type DispatchFailed struct {
	Reason string
}

func (DispatchSucceeded) dispatchResult() {}
func (DispatchFailed) dispatchResult()    {}

type DispatchCallback struct {
	Envelope
	Result DispatchResult
}

type wireProspect struct {
	Ordinal         int               `json:"ordinal"`
	Status          string            `json:"status"`
	LandingPageURL  string            `json:"landing_page_url"`
	VideoURL        string            `json:"video_url"`
	AudioURL        string            `json:"audio_url"`
	PresentationURL string            `json:"presentation_url"`
	FlyerURL        string            `json:"flyer_url"`
	Extra           map[string]string `json:"extra"`
}

type wireCallback struct {
	EventID    string         `json:"event_id"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	JobID      uuid.UUID      `json:"job_id"`
	RunID      string         `json:"run_id"`
	Status     string         `json:"status"`
	Error      string         `json:"error"`
	Prospects  []wireProspect `json:"prospects"`
}

func (w *wireCallback) envelope() Envelope {
	return Envelope{EventID: w.EventID, CampaignID: w.CampaignID, JobID: w.JobID, RunID: w.RunID}
}

// Parser validates callback bodies against the embedded JSON schemas before
// decoding them into typed callbacks.
type Parser struct {
	generation *jsonschema.Schema
	dispatch   *jsonschema.Schema
}

func NewParser() (*Parser, error) {
	gen, err := compile("generation_callback")
	if err != nil {
		return nil, err
	}
	disp, err := compile("dispatch_callback")
	if err != nil {
		return nil, err
	}
	return &Parser{generation: gen, dispatch: disp}, nil
}

func compile(name string) (*jsonschema.Schema, error) {
	data, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("read schema %q: %w", name, err)
	}
	s, err := jsonschema.CompileString("https://smartprospect.app/schemas/"+name+".json", string(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return s, nil
}

func (p *Parser) decode(schema *jsonschema.Schema, body []byte) (*wireCallback, error) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	var w wireCallback
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	return &w, nil
}

// ParseGeneration decodes a generation callback.
func (p *Parser) ParseGeneration(body []byte) (*GenerationCallback, error) {
	w, err := p.decode(p.generation, body)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(w.Prospects))
	results := make([]ProspectResult, 0, len(w.Prospects))
	for _, wp := range w.Prospects {
		if seen[wp.Ordinal] {
			return nil, fmt.Errorf("%w: duplicate prospect ordinal %d", ErrInvalidCallback, wp.Ordinal)
		}
		seen[wp.Ordinal] = true
		status := wp.Status
		if status == "" {
			status = models.AssetReady
		}
		results = append(results, ProspectResult{
			Ordinal: wp.Ordinal,
			Status:  status,
			Assets: models.ProspectAssets{
				LandingPageURL:  wp.LandingPageURL,
				VideoURL:        wp.VideoURL,
				AudioURL:        wp.AudioURL,
				PresentationURL: wp.PresentationURL,
				FlyerURL:        wp.FlyerURL,
				Extra:           wp.Extra,
			},
		})
	}
	cb := &GenerationCallback{Envelope: w.envelope()}
	if w.Status == "success" {
		cb.Result = GenerationSucceeded{Prospects: results}
	} else {
		cb.Result = GenerationFailed{Reason: failureReason(w.Error), Prospects: results}
	}
	return cb, nil
}

// ParseDispatch decodes a dispatch callback.
func (p *Parser) ParseDispatch(body []byte) (*DispatchCallback, error) {
	w, err := p.decode(p.dispatch, body)
	if err != nil {
		return nil, err
	}
	cb := &DispatchCallback{Envelope: w.envelope()}
	if w.Status == "success" {
		cb.Result = DispatchSucceeded{}
	} else {
		cb.Result = DispatchFailed{Reason: failureReason(w.Error)}
	}
	return cb, nil
}

func failureReason(msg string) string {
	if msg == "" {
		return "workflow reported an error"
	}
	return msg
}

// Package httpapi is the operator HTTP surface: campaign management,
// inbound message ingestion, queue introspection, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchd/internal/campaign"
	"dispatchd/internal/chat"
	"dispatchd/internal/inbound"
	"dispatchd/internal/queue"
	"dispatchd/pkg/logx"
)

// Campaigns is the campaign service surface.
type Campaigns interface {
	Create(ctx context.Context, in campaign.CreateInput) (campaign.Campaign, error)
	List(ctx context.Context, page, pageSize int) (campaign.Page, error)
	Get(ctx context.Context, id string) (campaign.Campaign, error)
	Status(ctx context.Context, id string) (campaign.Summary, error)
	Deliveries(ctx context.Context, id string, limit int) ([]campaign.Delivery, error)
	Queue(ctx context.Context, id string) (campaign.QueueResult, error)
	CreateSchedule(ctx context.Context, campaignID string, in campaign.ScheduleInput) (campaign.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, p campaign.SchedulePatch) (campaign.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	Schedules(ctx context.Context, campaignID string) ([]campaign.Schedule, error)
}

type InboundProcessor interface {
	Process(ctx context.Context, req inbound.Request) inbound.Result
}

type QueueInfo interface {
	Stats() queue.Stats
	Counts(ctx context.Context) (map[queue.State]int, error)
	Repeatables(ctx context.Context) ([]queue.RepeatInfo, error)
}

type Deps struct {
	Campaigns Campaigns
	Inbound   InboundProcessor
	Queue     QueueInfo
	SendStats func() queue.SendStats
	// Ping reports storage health for /healthz.
	Ping func(ctx context.Context) error
	// Metrics, when set, is served at MetricsPath and wraps every route.
	Metrics     http.Handler
	MetricsPath string
	Instrument  func(http.Handler) http.Handler
	// OnInbound observes every processed inbound message.
	OnInbound func(platform string, res inbound.Result)
	Pprof     bool
	Log       logx.Logger
}

type api struct {
	d   Deps
	log logx.Logger
}

func NewRouter(d Deps) http.Handler {
	a := &api{d: d, log: d.Log.With(logx.String("comp", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.recoverer)
	if d.Instrument != nil {
		r.Use(d.Instrument)
	}
	r.Use(a.accessLog)

	r.Get("/healthz", a.healthz)
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	if d.Campaigns != nil {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", a.createCampaign)
			r.Get("/", a.listCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getCampaign)
				r.Get("/status", a.campaignStatus)
				r.Get("/deliveries", a.campaignDeliveries)
				r.Post("/queue", a.queueCampaign)
				r.Get("/schedules", a.listSchedules)
				r.Post("/schedules", a.createSchedule)
			})
		})
		r.Patch("/schedules/{id}", a.updateSchedule)
		r.Delete("/schedules/{id}", a.deleteSchedule)
	}

	if d.Inbound != nil {
		r.Post("/inbound/{platform}/{botId}", a.inbound)
	}

	if d.Queue != nil {
		r.Get("/queue/stats", a.queueStats)
		r.Get("/queue/repeatables", a.queueRepeatables)
	}

	if d.Pprof {
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return r
}

// errorBody is the JSON envelope of every non-2xx response.
type errorBody struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		a.log.Error("api error",
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.String("message", msg),
			logx.String("request", middleware.GetReqID(r.Context())))
	}
	writeJSON(w, status, errorBody{RequestID: middleware.GetReqID(r.Context()), Code: code, Message: msg})
}

// failErr maps domain errors onto HTTP statuses.
func (a *api) failErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, campaign.ErrScheduleNotFound):
		a.fail(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, campaign.ErrInvalid):
		a.fail(w, r, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		a.fail(w, r, http.StatusConflict, "invalid_transition", err.Error())
	default:
		a.fail(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}

const maxBody = 1 << 20

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		a.fail(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.d.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.d.Ping(ctx); err != nil {
			a.fail(w, r, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) createCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !a.decode(w, r, &in) {
		return
	}
	c, err := a.d.Campaigns.Create(r.Context(), in)
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *api) listCampaigns(w http.ResponseWriter, r *http.Request) {
	p, err := a.d.Campaigns.List(r.Context(), queryInt(r, "page", 1), queryInt(r, "pageSize", campaign.DefaultPageSize))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := a.d.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) campaignStatus(w http.ResponseWriter, r *http.Request) {
	s, err := a.d.Campaigns.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) campaignDeliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := a.d.Campaigns.Deliveries(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	if ds == nil {
		ds = []campaign.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ds})
}

func (a *api) queueCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := a.d.Campaigns.Queue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":         true,
		"campaignId": res.CampaignID,
		"status":     res.Status,
		"jobId":      res.JobID,
		"duplicate":  res.Duplicate,
	})
}

func (a *api) listSchedules(w http.ResponseWriter, r *http.Request) {
	ss, err := a.d.Campaigns.Schedules(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	if ss == nil {
		ss = []campaign.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ss})
}

func (a *api) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in campaign.ScheduleInput
	if !a.decode(w, r, &in) {
		return
	}
	s, err := a.d.Campaigns.CreateSchedule(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (a *api) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var p campaign.SchedulePatch
	if !a.decode(w, r, &p) {
		return
	}
	s, err := a.d.Campaigns.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.d.Campaigns.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type inboundBody struct {
	UserID            string          `json:"userId"`
	DisplayName       string          `json:"displayName,omitempty"`
	Text              string          `json:"text"`
	MessageType       string          `json:"messageType,omitempty"`
	AttachmentURL     string          `json:"attachmentUrl,omitempty"`
	AttachmentMeta    map[string]any  `json:"attachmentMeta,omitempty"`
	PlatformMessageID string          `json:"platformMessageId,omitempty"`
	RawPayload        json.RawMessage `json:"rawPayload,omitempty"`
}

func (a *api) inbound(w http.ResponseWriter, r *http.Request) {
	var b inboundBody
	if !a.decode(w, r, &b) {
		return
	}
	if b.UserID == "" {
		a.fail(w, r, http.StatusBadRequest, "invalid", "userId is required")
		return
	}
	typ := chat.TypeText
	if b.MessageType != "" {
		t, ok := chat.ParseType(b.MessageType)
		if !ok {
			a.fail(w, r, http.StatusBadRequest, "invalid", "unknown messageType "+strconv.Quote(b.MessageType))
			return
		}
		typ = t
	}
	platform := chi.URLParam(r, "platform")
	res := a.d.Inbound.Process(r.Context(), inbound.Request{
		BotID:             chi.URLParam(r, "botId"),
		Platform:          platform,
		UserID:            b.UserID,
		DisplayName:       b.DisplayName,
		Type:              typ,
		Text:              b.Text,
		AttachmentURL:     b.AttachmentURL,
		AttachmentMeta:    b.AttachmentMeta,
		PlatformMessageID: b.PlatformMessageID,
		RawPayload:        b.RawPayload,
		RequestID:         middleware.GetReqID(r.Context()),
	})
	if a.d.OnInbound != nil {
		a.d.OnInbound(platform, res)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) queueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.d.Queue.Counts(r.Context())
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	out := map[string]any{"jobs": counts, "counters": a.d.Queue.Stats()}
	if a.d.SendStats != nil {
		out["send"] = a.d.SendStats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) queueRepeatables(w http.ResponseWriter, r *http.Request) {
	rs, err := a.d.Queue.Repeatables(r.Context())
	if err != nil {
		a.failErr(w, r, err)
		return
	}
	if rs == nil {
		rs = []queue.RepeatInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rs})
}

package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"stashbin/cfg"
	"stashbin/pkg/domain"
	"stashbin/svc/lim"
	"stashbin/svc/svc"
	"stashbin/svc/util"
)

type Hdl struct {
	paste  *svc.Paste
	hasher *util.IPHasher
	cfg    *cfg.Cfg
}

type CreateReq struct {
	Content   string                 `json:"content"`
	Language  string                 `json:"language,omitempty"`
	ExpiresIn string                 `json:"expires_in,omitempty"`
	OwnerID   string                 `json:"owner_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type CreateResp struct {
	Slug      string     `json:"slug"`
	URL       string     `json:"url"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type PasteResp struct {
	Slug      string     `json:"slug"`
	Content   string     `json:"content"`
	Language  string     `json:"language"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Views     int64      `json:"views"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		writeErr(w, domain.ErrUnsupportedMedia, requestID)
		return
	}

	// Worst-case JSON escaping expands a content byte to six (\u00XX), plus
	// headroom for the rest of the envelope.
	bodyLimit := h.cfg.MaxPasteSize*6 + 4096
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > bodyLimit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request body")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	ipHash, err := h.hasher.HashIP(realIP)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(realIP)).Msg("failed to hash client IP")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}

	params := domain.CreateParams{
		Content:      sanitizeContent(req.Content),
		Language:     req.Language,
		ExpiresIn:    req.ExpiresIn,
		OwnerID:      req.OwnerID,
		ClientIPHash: ipHash,
		Metadata:     req.Metadata,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if e := domain.AsErr(err); e != nil {
			log.Warn().Str("code", e.Code).Msg("create rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create paste")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("slug", paste.Slug).
		Str("language", paste.Language).
		Bool("anonymous", paste.OwnerID == "").
		Msg("paste created")
	resp := CreateResp{
		Slug:      paste.Slug,
		URL:       h.cfg.BaseURL + "/pastes/" + paste.Slug,
		CreatedAt: paste.CreatedAt,
		ExpiresAt: paste.ExpiresAt,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")

	paste, err := h.paste.Get(r.Context(), slug)
	if err != nil {
		if e := domain.AsErr(err); e != nil {
			log.Warn().Str("slug", slug).Str("code", e.Code).Msg("get rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("slug", slug).Msg("get failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("slug", slug).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int64("views", paste.Views).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(PasteResp{
		Slug:      paste.Slug,
		Content:   paste.Content,
		Language:  paste.Language,
		CreatedAt: paste.CreatedAt,
		ExpiresAt: paste.ExpiresAt,
		Views:     paste.Views,
	})
}

func (h *Hdl) GetLanguages(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(domain.Languages())
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().Err(err).Str("request_id", requestID).Msg("request failed")
	}
	w.WriteHeader(statusCode)
	resp := domain.ToResp(err)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      resp.Error,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes to NFC, drops invalid UTF-8 runes and strips
// control characters other than newline, carriage return and tab.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

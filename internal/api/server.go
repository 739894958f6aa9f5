package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dharsanguruparan/SignFlow/internal/apperr"
	"github.com/dharsanguruparan/SignFlow/internal/execution"
	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Executor is the execution service as seen by the HTTP layer.
type Executor interface {
	SubmitFormAndGenerate(ctx context.Context, token string, submission model.Submission) (*execution.SubmitResult, error)
	SignDocument(ctx context.Context, token string, img execution.SignatureImage) (*execution.SignResult, error)
	View(ctx context.Context, token string) (*execution.View, error)
}

// Options configures the HTTP surface.
type Options struct {
	Address string
	// MaxBodyBytes bounds request bodies. Base64 signatures need about a third
	// more than the raw image limit.
	MaxBodyBytes int64
}

// Server exposes the signing endpoints.
type Server struct {
	opts   Options
	exec   Executor
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(opts Options, exec Executor) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	return &Server{opts: opts, exec: exec}
}

// Routes returns the chi router. Tests call it directly.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1/signing/{token}", func(r chi.Router) {
		r.Get("/", s.handleView)
		r.Post("/submission", s.handleSubmission)
		r.Post("/signature", s.handleSignature)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.opts.Address,
			Handler:           s.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.opts.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	view, err := s.exec.View(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type submissionRequest struct {
	Submission model.Submission `json:"submission"`
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req submissionRequest
	if err := dec.Decode(&req); err != nil {
		respondError(w, apperr.Wrap(apperr.StagePersist, apperr.CodeInvalidInput, "body must be a JSON object with a submission field", err))
		return
	}
	res, err := s.exec.SubmitFormAndGenerate(r.Context(), chi.URLParam(r, "token"), req.Submission)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type signatureRequest struct {
	// SignatureImage is base64 or a data URL such as data:image/png;base64,...
	SignatureImage string `json:"signature_image"`
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	img, err := readSignature(r)
	if err != nil {
		respondError(w, apperr.Wrap(apperr.StageSign, apperr.CodeInvalidInput, "could not read signature image", err))
		return
	}
	res, err := s.exec.SignDocument(r.Context(), chi.URLParam(r, "token"), img)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// readSignature accepts either a JSON body carrying base64 data or the raw
// image bytes with an image/* content type.
func readSignature(r *http.Request) (execution.SignatureImage, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "image/") {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return execution.SignatureImage{}, err
		}
		return execution.SignatureImage{Data: data, ContentType: contentType}, nil
	}
	var req signatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return execution.SignatureImage{}, err
	}
	return decodeImage(req.SignatureImage)
}

func decodeImage(value string) (execution.SignatureImage, error) {
	var img execution.SignatureImage
	if rest, ok := strings.CutPrefix(value, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return img, errors.New("data URL must be base64 encoded")
		}
		img.ContentType = strings.TrimSuffix(meta, ";base64")
		value = payload
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return img, err
	}
	img.Data = data
	return img, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Classify("", err)
	}
	if apperr.HTTPStatus(appErr) >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	respondJSON(w, apperr.HTTPStatus(appErr), appErr)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// tokens are credentials, keep them out of the log
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		log.Printf("%s %s %d (%s)", r.Method, path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

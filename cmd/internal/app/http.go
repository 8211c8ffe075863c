package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"parley/cmd/internal/gateway"
	"parley/cmd/internal/media"

	"github.com/jackc/pgx/v5/pgxpool"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	storeConfigured bool,
	gw *gateway.Gateway,
	metrics *Metrics,
	uploader media.Uploader,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireStore && !storeConfigured {
			http.Error(w, "store not configured", http.StatusServiceUnavailable)
			return
		}

		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}

	if uploader != nil {
		mux.Handle("POST /v1/media", mediaUploadHandler(log, metrics, uploader))
	}

	mux.HandleFunc("/ws", gw.HandleWS)
}

// mediaUploadHandler accepts a raw attachment body and returns its public URL.
// The body is the object; Content-Type is preserved on the stored object.
func mediaUploadHandler(log Logger, metrics *Metrics, uploader media.Uploader) http.Handler {
	const maxBody = 25 << 20

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		url, err := uploader.Upload(r.Context(), data, contentType)
		switch {
		case errors.Is(err, media.ErrEmptyUpload):
			http.Error(w, "empty upload", http.StatusBadRequest)
			return
		case errors.Is(err, media.ErrTooLarge):
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			log.Error("media.upload.fail", "err", err)
			http.Error(w, "upload failed", http.StatusBadGateway)
			return
		}

		if metrics != nil {
			metrics.MediaUploaded()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
	})
}

package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ServerConfig struct {
	Port int
	// Scale multiplies every artificial delay. Zero means 1; tests use small
	// values to keep the endpoints fast.
	Scale float64
}

// Endpoints served by Handler.
var Endpoints = []string{"/fast", "/medium", "/slow", "/spike", "/error", "/page/{slug}", "/json"}

type handler struct {
	scale float64
}

func (h handler) sleep(min, jitter time.Duration) {
	d := min
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	time.Sleep(time.Duration(float64(d) * h.scale))
}

// Handler returns the target service used by demos and tests.
func Handler(cfg ServerConfig) http.Handler {
	h := handler{scale: cfg.Scale}
	if h.scale <= 0 {
		h.scale = 1
	}

	mux := http.NewServeMux()

	// 10-50ms
	mux.HandleFunc("GET /fast", func(w http.ResponseWriter, r *http.Request) {
		h.sleep(10*time.Millisecond, 40*time.Millisecond)
		w.Write([]byte("Fast response"))
	})

	// 100-300ms
	mux.HandleFunc("GET /medium", func(w http.ResponseWriter, r *http.Request) {
		h.sleep(100*time.Millisecond, 200*time.Millisecond)
		w.Write([]byte("Medium response"))
	})

	// 1-2s, for timeouts and queuing
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
		h.sleep(time.Second, time.Second)
		w.Write([]byte("Slow response"))
	})

	// usually fast, 5% of requests very slow: P50 fine, P99 terrible
	mux.HandleFunc("GET /spike", func(w http.ResponseWriter, r *http.Request) {
		if rand.Float32() < 0.05 {
			h.sleep(2*time.Second, 0)
		} else {
			h.sleep(20*time.Millisecond, 0)
		}
		w.Write([]byte("Spikey response"))
	})

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		rnd := rand.Float32()
		switch {
		case rnd < 0.2:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
		case rnd < 0.4:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("429 Too Many Requests"))
		default:
			w.Write([]byte("OK"))
		}
	})

	mux.HandleFunc("GET /page/{slug}", func(w http.ResponseWriter, r *http.Request) {
		slug := html.EscapeString(r.PathValue("slug"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1></body></html>", slug, slug)
	})

	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"method": r.Method,
			"time":   time.Now().UTC().Format(time.RFC3339),
			"items":  []map[string]interface{}{{"id": 1, "name": "alpha"}, {"id": 2, "name": "beta"}},
		})
	})

	return mux
}

// Start listens on cfg.Port and serves Handler until ctx is cancelled.
func Start(ctx context.Context, cfg ServerConfig, log *zap.Logger) (*http.Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", cfg.Port)
	}

	server := &http.Server{
		Handler:           Handler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("dummy server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("dummy server listening", zap.String("addr", ln.Addr().String()), zap.Strings("endpoints", Endpoints))
	return server, nil
}

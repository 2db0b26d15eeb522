// Command app is a deliberately weak target for trying out scan profiles.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type comment struct {
	Text string `json:"text"`
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "demo-app").Logger()

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		poweredBy(w)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		poweredBy(w)
		id := strings.TrimPrefix(r.URL.Path, "/item/")
		if strings.Contains(id, "'") {
			sqlError(w, id)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>item " + id + "</p>"))
	})

	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		poweredBy(w)
		q := r.URL.Query().Get("q")
		if strings.Contains(q, "'") {
			sqlError(w, q)
			return
		}
		// Reflected without escaping.
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>results for " + q + "</p>"))
	})

	mux.HandleFunc("/comment", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var c comment
		_ = json.NewDecoder(r.Body).Decode(&c)
		if strings.Contains(c.Text, "'") {
			sqlError(w, c.Text)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c)
	})

	mux.HandleFunc("/fetch", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target != "" {
			go func() {
				client := &http.Client{Timeout: 5 * time.Second}
				resp, err := client.Get(target)
				if err != nil {
					logger.Debug().Err(err).Str("url", target).Msg("fetch failed")
					return
				}
				resp.Body.Close()
			}()
		}
		_, _ = w.Write([]byte("queued"))
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("listen", srv.Addr).Msg("demo app listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("demo app stopped")
	}
}

func poweredBy(w http.ResponseWriter) {
	w.Header().Set("X-Powered-By", "PHP/7.4.3")
}

func sqlError(w http.ResponseWriter, input string) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("You have an error in your SQL syntax; check the manual near '" + input + "'"))
}

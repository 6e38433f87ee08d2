package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	melon "github.com/greut/melon"
	"github.com/greut/melon/cache"
	"github.com/greut/melon/config"
	"github.com/greut/melon/domain"
	"github.com/greut/melon/iiif"
)

func serveCmd() *cobra.Command {
	var (
		configFile string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the IIIF 2.1 Image API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			service, err := melon.New(config.NewHolder(cfg))
			if err != nil {
				return err
			}
			defer service.Close()

			slog.Info("server running", "listen", listen)
			return http.ListenAndServe(listen, makeRouter(service))
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "config.toml", "configuration file")
	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:8182", "listen address")
	return cmd
}

func purgeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "purge [identifier-prefix]",
		Short: "Purge cached derivatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			service, err := melon.New(config.NewHolder(cfg))
			if err != nil {
				return err
			}
			defer service.Close()

			sel := cache.Selector{All: true}
			if len(args) > 0 {
				sel = cache.Selector{IdentifierPrefix: args[0]}
			}
			return service.Purge(cmd.Context(), sel)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "config.toml", "configuration file")
	return cmd
}

func makeRouter(service *melon.Service) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/{identifier}/info.json", infoHandler(service))
	r.HandleFunc("/{identifier}/{region}/{size}/{rotation}/{quality}.{format}", imageHandler(service))
	return r
}

// infoHandler responds with the image technical properties.
func infoHandler(service *melon.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier, err := url.PathUnescape(mux.Vars(r)["identifier"])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		info, err := service.Info(r.Context(), identifier)
		if err != nil {
			httpError(w, err)
			return
		}

		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		id := fmt.Sprintf("%s://%s/%s", scheme, r.Host, mux.Vars(r)["identifier"])
		b, err := json.MarshalIndent(iiif.NewInfo(id, info), "", "  ")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		h := w.Header()
		if strings.Contains(r.Header.Get("Accept"), "application/ld+json") {
			h.Set("Content-Type", "application/ld+json")
		} else {
			h.Set("Content-Type", "application/json")
		}
		h.Set("Access-Control-Allow-Origin", "*")
		w.Write(b)
	}
}

// imageHandler responds to the IIIF 2.1 Image API.
func imageHandler(service *melon.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		identifier, err := url.PathUnescape(vars["identifier"])
		if err != nil {
			http.NotFound(w, r)
			return
		}
		list, err := iiif.ParseRequest(vars["region"], vars["size"], vars["rotation"], vars["quality"], vars["format"])
		if err != nil {
			httpError(w, err)
			return
		}
		mt := domain.MediaTypeFor(list.Encode().Format)
		w.Header().Set("Content-Type", mt.MIME)
		if _, err := service.Process(r.Context(), identifier, list, w); err != nil {
			// Headers may be gone already; a best-effort error code.
			httpError(w, err)
		}
	}
}

func httpError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrAccessDenied):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnsupportedOutputFormat),
		errors.Is(err, domain.ErrUnsupportedSourceFormat):
		code = http.StatusNotImplemented
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		code = http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), code)
}

package cmd

import (
	"context"
	"net/http"
	"time"

	"homeswipe-client/internal/fakeapi"
	"homeswipe-client/internal/models"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// serve runs the fake backend with demo data until ctx is cancelled
func serve(ctx context.Context, args []string) error {
	fs := newFlagSet("serve")
	addr := fs.String("addr", "127.0.0.1:8000", "listen address")
	dual := fs.Bool("dual-events", false, "publish every event under both spellings")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fake := fakeapi.New()
	fake.DualEventNames = *dual
	seedDemo(fake)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(corsMiddleware)
	r.Mount("/", fake.Router())

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", *addr).
			Str("app_key", fake.AppKey).
			Msg("Starting fake backend")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down fake backend...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	fake.Hub().DropAll()

	log.Info().Msg("Fake backend exited")
	return nil
}

// seedDemo creates two accounts with a few listings each
func seedDemo(fake *fakeapi.Server) {
	ann := fake.AddUser("Ann", "ann@example.com", "password")
	bob := fake.AddUser("Bob", "bob@example.com", "password")

	for _, p := range []models.Property{
		{Title: "Sunny loft", City: "Austin", Price: 1850, Type: models.ListingRent, Tags: []string{"balcony"}, Images: []string{"loft-1.jpg", "loft-2.jpg"}},
		{Title: "Craftsman bungalow", City: "Austin", Price: 435000, Type: models.ListingSell, Tags: []string{"garden", "garage"}},
	} {
		fake.AddProperty(ann.ID, p)
	}
	for _, p := range []models.Property{
		{Title: "Downtown studio", City: "Austin", Price: 1200, Type: models.ListingRent, Images: []string{"studio.jpg"}},
		{Title: "Lake house", City: "Denver", Price: 620000, Type: models.ListingSell, Tags: []string{"pool"}},
	} {
		fake.AddProperty(bob.ID, p)
	}
	log.Info().Msg("Demo accounts: ann@example.com / bob@example.com (password: password)")
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

// Server bundles the handlers' dependencies.
type Server struct {
	cfg      config.Config
	sessions *usecase.SessionService
	composer *usecase.ComposerService
	catalog  *usecase.CatalogService
	scoring  *usecase.ScoringService
	execs    *usecase.ExecService
	tokens   domain.TokenStore
	store    domain.DocumentStore
	validate *validator.Validate
}

// NewServer constructs the HTTP server surface.
func NewServer(
	cfg config.Config,
	sessions *usecase.SessionService,
	composer *usecase.ComposerService,
	catalog *usecase.CatalogService,
	scoring *usecase.ScoringService,
	execs *usecase.ExecService,
	tokens domain.TokenStore,
	store domain.DocumentStore,
) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		composer: composer,
		catalog:  catalog,
		scoring:  scoring,
		execs:    execs,
		tokens:   tokens,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

const maxBodyBytes = 1 << 20 // 1 MiB

// decodeJSON parses and validates a JSON request body.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

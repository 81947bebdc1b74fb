package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ceetaro/Suitkaise-sub005/internal/api/models"
)

// registerManifestRoutes registers the manifest reload endpoint when a
// reload function is configured.
func (s *Server) registerManifestRoutes() {
	if s.options.Reload == nil {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "reload-manifest",
		Method:      http.MethodPost,
		Path:        "/api/manifest/reload",
		Summary:     "Reload Manifest",
		Description: "Re-read the worker manifest and start, restart or stop workers to match it",
		Tags:        []string{"manifest"},
		Security:    withAuth(),
		Errors:      []int{401, 422},
	}, func(ctx context.Context, _ *struct{}) (*models.ManifestReloadResponse, error) {
		changes, err := s.options.Reload(ctx)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity("failed to apply manifest", err)
		}
		return &models.ManifestReloadResponse{
			Body: models.ManifestReloadData{
				Added:   nonNil(changes.Added),
				Updated: nonNil(changes.Updated),
				Removed: nonNil(changes.Removed),
			},
		}, nil
	})
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

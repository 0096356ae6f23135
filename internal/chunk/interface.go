package chunk

import (
	"context"

	"bdt/internal/types"
)

// Reader donne accès au stockage local adressé par contenu.
type Reader interface {
	Exists(ctx context.Context, id types.ChunkId) (bool, error)
	// Get retourne le contenu complet; une erreur types.NotFound si absent.
	Get(ctx context.Context, id types.ChunkId) ([]byte, error)
}

// Writer est une destination de chunks complets.
// rng, s'il est fourni, désigne la sous-plage demandée par l'appelant; data est toujours le chunk entier.
type Writer interface {
	Write(ctx context.Context, id types.ChunkId, data []byte, rng *types.Range) error
	Finish(ctx context.Context) error
	Err(ctx context.Context, code types.ErrorCode) error
}

package framing

import (
	"context"
)

// Writer écrit des trames préfixées par leur longueur.
type Writer interface {
	// WriteFrame préfixe payload de sa longueur en Uvarint et l'écrit dans le io.Writer sous-jacent.
	WriteFrame(ctx context.Context, payload []byte) error
}

// Reader lit des trames préfixées par leur longueur.
type Reader interface {
	// ReadFrame retourne le payload de la trame suivante. Le slice retourné appartient à l'appelant.
	ReadFrame(ctx context.Context) ([]byte, error)
}

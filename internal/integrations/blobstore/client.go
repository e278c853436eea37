package blobstore

import (
	"context"
)

// Client сохраняет артефакты подтверждения (фото, подпись) во внешнем
// хранилище и возвращает путь, который кладём в запись о доставке.
type Client interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

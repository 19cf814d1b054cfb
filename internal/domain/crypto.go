package domain

import "context"

// Encryptor seals and opens opaque token blobs. Implementations must fail
// closed: a decrypt error is fatal for the operation, never an empty
// plaintext. The key argument binds the ciphertext to its record so a blob
// copied between records will not open.
type Encryptor interface {
	Encrypt(ctx context.Context, key string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, key string, blob []byte) ([]byte, error)
}

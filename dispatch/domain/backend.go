package domain

import "context"

// Backend executa exatamente uma chamada ao endpoint de recurso com o bearer token informado.
type Backend interface {
	Call(ctx context.Context, id string, req Request, token string) (Response, error)
}

package domain

import (
	"context"
	"time"
)

// AccessToken é o bearer token de curta duração exigido pela API remota.
//
// ExpiresAt é horário absoluto (relógio de parede). O valor é substituído por
// inteiro a cada refresh, nunca alterado no lugar.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// UsableAt informa se o token ainda pode ser usado em `now`, considerando a
// janela de refresh antecipado.
func (t AccessToken) UsableAt(now time.Time, threshold time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-threshold))
}

// TokenSource obtém um token novo do endpoint de autenticação (uma tentativa).
type TokenSource interface {
	Fetch(ctx context.Context) (AccessToken, error)
}

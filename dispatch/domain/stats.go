package domain

import (
	"context"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeFailed   Outcome = "failed"
	OutcomeRejected Outcome = "rejected"
	OutcomeShutdown Outcome = "shutdown"
	OutcomeCanceled Outcome = "canceled"
)

// OtherRoute agrupa requisições sem template de rota declarado.
const OtherRoute = "other"

// StatsEvent representa o desfecho terminal de uma requisição despachada.
//
// Path e RequestID vêm do chamador e não servem de chave em Redis/Prometheus;
// stores persistentes usam MethodLabel e RouteLabel, de cardinalidade fixa.
type StatsEvent struct {
	RequestID string
	Method    string
	Path      string
	Route     string
	Tenant    Tenant

	Outcome    Outcome
	Attempts   int
	StatusCode int
	Duration   time.Duration

	// StartedAt é o instante em que o pacer liberou o despacho (zero se nunca saiu da fila).
	StartedAt time.Time
	At        time.Time
}

var knownMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "OPTIONS": {},
}

// MethodLabel devolve o método em maiúsculas ou "OTHER" para métodos fora do padrão.
func (e StatsEvent) MethodLabel() string {
	m := strings.ToUpper(strings.TrimSpace(e.Method))
	if _, ok := knownMethods[m]; ok {
		return m
	}
	return "OTHER"
}

func (e StatsEvent) RouteLabel() string {
	if r := strings.TrimSpace(e.Route); r != "" {
		return r
	}
	return OtherRoute
}

// StatsStore é a estratégia de persistência para estatísticas de despacho.
//
// O scheduler trata erro como best-effort (não derruba a requisição).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

package domain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request é a requisição lógica submetida pelo colaborador externo.
type Request struct {
	Method string
	Path   string
	// Route é o template da rota (ex.: "/v1/chat/completions"), usado como
	// rótulo de estatísticas no lugar do Path. Vazio cai em OtherRoute.
	Route string
	// Tenant é quem submeteu; se vazio, Dispatcher.Do usa TenantFrom(ctx).
	Tenant Tenant
	// Body já serializado em JSON; vazio envia a requisição sem corpo.
	Body json.RawMessage
	// Result, se não nil, recebe o corpo da resposta decodificado.
	// Falha de decodificação é DecodeError (não reexecutada).
	Result any
}

type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Decode decodifica o corpo JSON em v.
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

type State int

const (
	StateQueued State = iota
	StateAcquiring
	StateThrottled
	StateAuthenticating
	StateAttempting
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAcquiring:
		return "acquiring-permit"
	case StateThrottled:
		return "throttled"
	case StateAuthenticating:
		return "authenticating"
	case StateAttempting:
		return "attempting"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool { return s == StateResolved || s == StateFailed }

// PendingRequest é uma requisição enfileirada junto com seu handle de resultado.
//
// O handle é de atribuição única: Resolve só tem efeito na primeira chamada,
// seja do worker, seja do caminho de shutdown.
type PendingRequest struct {
	ID         string
	Request    Request
	EnqueuedAt time.Time

	ctx  context.Context
	done chan struct{}

	mu        sync.Mutex
	state     State
	startedAt time.Time
	resp      Response
	err       error
}

func NewPendingRequest(ctx context.Context, req Request) *PendingRequest {
	if ctx == nil {
		ctx = context.Background()
	}
	return &PendingRequest{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		done:       make(chan struct{}),
		state:      StateQueued,
	}
}

// Context é o contexto do chamador que submeteu a requisição.
func (p *PendingRequest) Context() context.Context { return p.ctx }

// MarkStarted registra o instante em que o pacer liberou o despacho.
func (p *PendingRequest) MarkStarted(at time.Time) {
	p.mu.Lock()
	p.startedAt = at
	p.mu.Unlock()
}

// StartedAt é zero se a requisição nunca foi despachada.
func (p *PendingRequest) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

func (p *PendingRequest) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Advance move a requisição para um estado não terminal.
// Retorna false se ela já foi resolvida.
func (p *PendingRequest) Advance(s State) bool {
	if s.Terminal() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Terminal() {
		return false
	}
	p.state = s
	return true
}

// Resolve entrega o resultado. Retorna false se o handle já tinha sido resolvido.
func (p *PendingRequest) Resolve(resp Response, err error) bool {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return false
	}
	p.resp, p.err = resp, err
	p.state = StateResolved
	if err != nil {
		p.state = StateFailed
	}
	p.mu.Unlock()

	close(p.done)
	return true
}

func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Result só é significativo depois que Done fechar.
func (p *PendingRequest) Result() (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp, p.err
}

// Wait bloqueia até o handle ser resolvido ou o ctx encerrar.
func (p *PendingRequest) Wait(ctx context.Context) (Response, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

package domain

import "context"

// SlotPool representa um recurso com capacidade finita (requisições em voo).
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// Pacer espaça o início de requisições consecutivas.
//
// Wait bloqueia até o próximo despacho ser permitido ou até o ctx encerrar.
// Se retornar erro, nenhum despacho foi consumido.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Package admission é o adapter net/http da admissão de entrada do gateway.
//
// Fluxo por requisição:
//
//  1. Identifica o tenant (header configurado, credencial Bearer, XFF ou IP)
//  2. Pede a decisão a application.Admission (carga da fila e cota do tenant)
//  3. Se recusada, entrega o erro a OnReject: domain.ErrQueueFull vira 503 e
//     *domain.ThrottledError vira 429 com Retry-After
//  4. Se aceita, anexa o tenant ao ctx (domain.WithTenant) e segue para o
//     handler que submete ao Dispatcher
//
// O limite de saída (intervalo mínimo e vagas em voo contra a API remota) não
// fica aqui: é aplicado pelo pipeline em dispatch.
package admission

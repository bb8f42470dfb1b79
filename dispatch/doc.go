// Package dispatch é a fachada do pipeline de despacho: recebe requisições
// lógicas, enfileira e devolve a resposta ou uma falha tipada.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (token, retry, concorrência, fila e worker)
//   - infra: implementações concretas (semáforo, pacer, cotas, HTTP, stats)
//   - dispatch (este pacote): Config + wiring + Dispatcher
//
// Fluxo:
//
//  1. Submit cria a PendingRequest e enfileira (bloqueia ou rejeita com a fila cheia)
//  2. O worker desenfileira em ordem FIFO, adquire vaga e respeita o intervalo mínimo
//  3. Uma goroutine obtém o token (refresh coalescido) e chama o backend com retry
//  4. A vaga é liberada e o handle resolvido; Submit devolve o resultado
//
// Um Dispatcher é um handle explícito: crie um por processo, compartilhe por
// referência e chame Shutdown ao encerrar.
package dispatch

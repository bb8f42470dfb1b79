// Package application contém os casos de uso do pipeline de despacho:
// gerenciamento de token, retry com backoff, limite de concorrência,
// o scheduler com fila e worker, e a decisão de admissão de entrada.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: RequestScheduler.Enqueue(ctx, req) e req.Wait(ctx) entregam a resposta ou uma falha tipada.
package application

// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - ChanPool: semáforo simples para o limite de requisições em voo
//   - Pacer: espaçamento global entre despachos, medido do último despacho real
//   - QuotaStore: token bucket por tenant para a admissão de entrada
//   - TokenEndpoint / HTTPBackend: chamadas HTTP ao serviço remoto
//   - MemoryStatsStore, RedisStatsStore, PromStatsStore: estatísticas de despacho
package infra

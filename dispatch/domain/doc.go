// Package domain define contratos e tipos de domínio do pipeline de despacho:
// token de acesso, requisição pendente e seu handle de resultado, erros tipados,
// vagas de concorrência, pacing e estatísticas.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain

package domain

import (
	"errors"
	"fmt"
)

// Falhas terminais entregues ao chamador de uma requisição específica.
// Nenhuma delas derruba o worker nem afeta outras requisições.
var (
	ErrAuthFailure    = errors.New("failed to obtain access token after maximum retries")
	ErrRequestFailure = errors.New("request failed after maximum retries")
	ErrQueueFull      = errors.New("request queue is full")
	ErrShutdown       = errors.New("dispatcher is shut down")

	// ErrCircuitOpen indica que o circuit breaker do backend recusou a chamada.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrPanic envolve um panic recuperado durante a execução de uma requisição.
	ErrPanic = errors.New("request execution panicked")
)

// AuthError indica que o token não pôde ser obtido após esgotar as tentativas.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s (attempts=%d): %v", ErrAuthFailure.Error(), e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() []error { return []error{ErrAuthFailure, e.Err} }

// RequestError carrega a última causa de uma chamada HTTP que falhou.
type RequestError struct {
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s (attempts=%d): %v", ErrRequestFailure.Error(), e.Attempts, e.Err)
}

func (e *RequestError) Unwrap() []error { return []error{ErrRequestFailure, e.Err} }

// StatusCode retorna o status HTTP da última tentativa, ou 0 se ela não teve resposta.
func (e *RequestError) StatusCode() int {
	var se *StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return 0
}

// StatusError é uma resposta não-2xx do servidor remoto.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// ClientError informa se o status é 4xx, excluindo 408 e 429 que costumam ser transitórios.
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 408 && e.StatusCode != 429
}

// DecodeError indica corpo de resposta que não corresponde ao formato esperado.
// Não é reexecutada.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "malformed response body: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

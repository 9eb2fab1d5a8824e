// Package responses concentra os helpers de resposta JSON usados pelos
// routers da superfície RPC.
package responses

import (
	"encoding/json"
	"log"
	"net/http"
)

// JSON escreve data como corpo JSON com o status informado. Falha de
// codificação é registrada e vira HTTP 500; nunca derruba o processo.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("error encoding JSON response: %v", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

// NoContent responde 204 sem corpo. Usado pelos verbos de remoção.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error escreve uma resposta de erro JSON com uma mensagem simples.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, struct {
		Message string `json:"message"`
	}{
		Message: message,
	})
}

// ErrorWithDetails escreve uma resposta de erro JSON com mensagem e payload
// adicional. Útil em erros de validação que apontam os campos rejeitados.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, message string, details any) {
	JSON(w, statusCode, struct {
		Message string `json:"message"`
		Details any    `json:"details,omitempty"`
	}{
		Message: message,
		Details: details,
	})
}

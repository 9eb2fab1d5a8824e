package scheduler

import "fmt"

// ScheduleError representa um erro de uma operação do scheduler
type ScheduleError struct {
	Op      string // Operação que causou o erro
	Message string // Mensagem de erro
	Err     error  // Erro subjacente
}

// Error implementa a interface error
func (e *ScheduleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduler error in %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("scheduler error in %s: %s", e.Op, e.Message)
}

// Unwrap retorna o erro subjacente
func (e *ScheduleError) Unwrap() error {
	return e.Err
}

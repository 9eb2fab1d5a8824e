// Package joblog mantém o log de operação voltado ao operador: um arquivo
// texto append-only em que cada linha carrega timestamp, nível, job opcional
// e detalhes em JSON. Leituras de cauda são limitadas para arquivos grandes.
//
// Este log é distinto do log estruturado do processo (pkg/observability):
// aqui ficam apenas eventos que a UI exibe para o operador.
package joblog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level identifica a severidade de uma entrada.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const (
	// fullReadLimit é o tamanho máximo de arquivo lido por inteiro no Tail.
	fullReadLimit = 10 << 20
	// tailWindow é a janela lida do final quando o arquivo excede fullReadLimit.
	tailWindow = 500 << 10

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Logger escreve entradas no arquivo de log e serve leituras de cauda.
// É seguro para uso concorrente.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	now  func() time.Time
}

// Option configura o Logger.
type Option func(*Logger)

// WithClock substitui a fonte de tempo. Usado em testes.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// New abre (criando se necessário) o arquivo de log em modo append.
func New(path string, opts ...Option) (*Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("joblog: path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("joblog: create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("joblog: open log file: %w", err)
	}

	logger := &Logger{
		path: path,
		file: file,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(logger)
	}
	return logger, nil
}

// Path retorna o caminho do arquivo de log.
func (l *Logger) Path() string {
	return l.path
}

// Debug registra uma entrada de nível DEBUG. jobID e data são opcionais.
func (l *Logger) Debug(jobID, message string, data any) {
	l.write(LevelDebug, jobID, message, data)
}

// Info registra uma entrada de nível INFO. jobID e data são opcionais.
func (l *Logger) Info(jobID, message string, data any) {
	l.write(LevelInfo, jobID, message, data)
}

// Warn registra uma entrada de nível WARN. jobID e data são opcionais.
func (l *Logger) Warn(jobID, message string, data any) {
	l.write(LevelWarn, jobID, message, data)
}

// Error registra uma entrada de nível ERROR. jobID e data são opcionais.
func (l *Logger) Error(jobID, message string, data any) {
	l.write(LevelError, jobID, message, data)
}

func (l *Logger) write(level Level, jobID, message string, data any) {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(l.now().UTC().Format(timestampLayout))
	sb.WriteString("] [")
	sb.WriteString(string(level))
	sb.WriteString("]")
	if jobID != "" {
		sb.WriteString(" [")
		sb.WriteString(jobID)
		sb.WriteString("]")
	}
	sb.WriteString(" ")
	sb.WriteString(message)

	if data != nil {
		if encoded, err := json.Marshal(data); err == nil {
			sb.WriteString(" | ")
			sb.Write(encoded)
		}
	}
	sb.WriteString("\n")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	_, _ = l.file.WriteString(sb.String())
}

// Tail retorna as últimas n linhas do arquivo. Para arquivos acima de 10 MiB
// apenas os 500 KiB finais são lidos, descartando a primeira linha parcial.
// Arquivo inexistente retorna lista vazia sem erro.
func (l *Logger) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("joblog: open for tail: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("joblog: stat log file: %w", err)
	}

	data, err := readEnd(file, info.Size())
	if err != nil {
		return nil, err
	}

	lines := splitLines(data)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func readEnd(file *os.File, size int64) ([]byte, error) {
	if size <= fullReadLimit {
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("joblog: read log file: %w", err)
		}
		return data, nil
	}

	if _, err := file.Seek(size-tailWindow, io.SeekStart); err != nil {
		return nil, fmt.Errorf("joblog: seek tail window: %w", err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("joblog: read tail window: %w", err)
	}
	// A janela quase sempre começa no meio de uma linha.
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		data = data[idx+1:]
	}
	return data, nil
}

func splitLines(data []byte) []string {
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// Close fecha o arquivo de log. Escritas posteriores são descartadas.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

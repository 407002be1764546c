package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/deal-signal-lab/internal/logging"
)

// SystemMessage pins the answer language and format.
const SystemMessage = "Responda SOMENTE com JSON válido, sem markdown e sem ```.\n" +
	"Siga exatamente o schema solicitado. Se não houver evidência suficiente, use 'unknown' ou null.\n" +
	"Idioma: pt-BR."

const salesInstructions = `Você é um analista comercial sênior de vendas consultivas.
Você recebe a transcrição de uma conversa real entre um vendedor e um potencial cliente.

Objetivo: gerar insights acionáveis que ajudem o vendedor a fechar a venda,
entender a intenção real do cliente, identificar riscos e definir próximos passos.

Regras:
- Use apenas o que estiver dito ou claramente implícito na transcrição.
- Marque inferências em "rationale" ou "evidence".
- Registre em "unknowns" o que ainda falta saber.
- Seja direto e orientado a vendas.

Responda com um único objeto JSON que siga este JSON Schema:`

// Analysis is the decoded answer of the analysis backend. A reply that is
// not a JSON object is kept as {"raw": ..., "error": ...}.
type Analysis map[string]any

// Degraded reports whether the backend reply could not be parsed.
func (a Analysis) Degraded() bool {
	_, raw := a["raw"]
	_, bad := a["error"]
	return raw && bad
}

// AnalysisParseError describes a reply that was not a JSON object.
type AnalysisParseError struct {
	Raw string
	Err error
}

func (e *AnalysisParseError) Error() string {
	return fmt.Sprintf("analysis is not valid JSON: %v", e.Err)
}

func (e *AnalysisParseError) Unwrap() error { return e.Err }

// Payload is the degraded analysis document carried in job results.
func (e *AnalysisParseError) Payload() Analysis {
	return Analysis{"raw": e.Raw, "error": "analysis backend did not return valid JSON: " + e.Err.Error()}
}

type completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Analyzer turns prompts into sales analyses.
type Analyzer struct {
	client completer
	model  string
}

func NewAnalyzer(c *Client) *Analyzer {
	return &Analyzer{client: c, model: c.Model()}
}

// Instructions returns the fixed head of every analysis prompt, including
// the response schema.
func Instructions() string {
	schema, err := AnalysisSchema()
	if err != nil {
		return salesInstructions
	}
	return salesInstructions + "\n" + string(schema)
}

// Analyze calls the backend. Transport and API failures are returned as
// errors; an unparseable reply is not an error and comes back degraded.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) (Analysis, error) {
	content, err := a.client.Complete(ctx, SystemMessage, prompt)
	if err != nil {
		return nil, err
	}
	out, perr := ParseAnalysis(content)
	if perr != nil {
		logging.WarnwCtx(ctx, "llm: degraded analysis", "model", a.model, "err", perr)
		return perr.Payload(), nil
	}
	return out, nil
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
)

// StripCodeFences removes a surrounding markdown code fence, if any.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = fenceOpen.ReplaceAllString(s, "")
		s = fenceClose.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// ParseAnalysis decodes a backend reply into a JSON object.
func ParseAnalysis(content string) (Analysis, *AnalysisParseError) {
	cleaned := StripCodeFences(content)
	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, &AnalysisParseError{Raw: cleaned, Err: err}
	}
	if out == nil {
		return nil, &AnalysisParseError{Raw: cleaned, Err: fmt.Errorf("reply is null")}
	}
	return Analysis(out), nil
}

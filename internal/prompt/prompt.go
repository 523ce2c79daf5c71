// Package prompt builds the Q&A and comparative computation prompts.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ContextSlot  = "{context}"
	QuestionSlot = "{question}"
)

// RefusalText is what the model is instructed to answer for questions outside
// Indian taxation.
const RefusalText = "I can only help with questions related to Indian taxation."

var ErrInvalidTemplate = errors.New("invalid prompt template")

type Templates struct {
	Question   string `yaml:"question"`
	OldRegime  string `yaml:"old_regime"`
	NewRegime  string `yaml:"new_regime"`
	Comparison string `yaml:"comparison"`
}

func DefaultTemplates() Templates {
	return Templates{
		Question: "You are TaxSaathi, an assistant for Indian income tax filing. " +
			"Answer the question using only the context extracted from the user's documents. " +
			"If the answer is not in the context, say that the documents do not contain it. " +
			"If the question is not related to Indian taxation, respond with exactly: \"" + RefusalText + "\"\n\n" +
			"Context:\n" + ContextSlot + "\n\n" +
			"Question: " + QuestionSlot + "\n\n" +
			"Answer:",
		OldRegime: "Based on the following financial details (all amounts in INR), " +
			"generate an ITR-2 form under the Indian old tax regime:\n\n" + ContextSlot,
		NewRegime: "Based on the following financial details (all amounts in INR), " +
			"generate an ITR-2 form under the Indian new tax regime:\n\n" + ContextSlot,
		Comparison: "Based on the following financial details, provide a short conclusion on which tax regime is more beneficial.\n" +
			"Only output in the following format:\n\n" +
			"**Comparison:**\n" +
			"* **Old Regime Tax:** INR X\n" +
			"* **New Regime Tax:** INR Y\n\n" +
			"**Conclusion:**\n" +
			"The **[better regime]** is more beneficial for you, resulting in a tax saving of INR Z.\n\n" +
			ContextSlot,
	}
}

// LoadTemplates reads YAML overrides from path. Fields absent from the file
// keep their defaults.
func LoadTemplates(path string) (Templates, error) {
	t := DefaultTemplates()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Templates{}, fmt.Errorf("failed to read prompts file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Templates{}, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	return t, t.Validate()
}

func (t Templates) Validate() error {
	checks := []struct {
		name  string
		tmpl  string
		slots []string
	}{
		{"question", t.Question, []string{ContextSlot, QuestionSlot}},
		{"old_regime", t.OldRegime, []string{ContextSlot}},
		{"new_regime", t.NewRegime, []string{ContextSlot}},
		{"comparison", t.Comparison, []string{ContextSlot}},
	}
	for _, c := range checks {
		for _, slot := range c.slots {
			if n := strings.Count(c.tmpl, slot); n != 1 {
				return fmt.Errorf("%w: %s must contain %s exactly once, found %d", ErrInvalidTemplate, c.name, slot, n)
			}
		}
	}
	if strings.Count(t.OldRegime+t.NewRegime+t.Comparison, QuestionSlot) != 0 {
		return fmt.Errorf("%w: computation templates take no %s", ErrInvalidTemplate, QuestionSlot)
	}
	return nil
}

type Composer struct {
	t Templates
}

func NewComposer(t Templates) (*Composer, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Composer{t: t}, nil
}

// Question fills the Q&A template. Each retrieved chunk becomes a numbered
// "Context N:" block.
func (c *Composer) Question(chunks []string, question string) string {
	var sb strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Context " + strconv.Itoa(i+1) + ":\n")
		sb.WriteString(chunk)
	}
	return strings.NewReplacer(ContextSlot, sb.String(), QuestionSlot, question).Replace(c.t.Question)
}

func (c *Composer) OldRegime(contextText string) string {
	return fill(c.t.OldRegime, contextText)
}

func (c *Composer) NewRegime(contextText string) string {
	return fill(c.t.NewRegime, contextText)
}

func (c *Composer) Comparison(contextText string) string {
	return fill(c.t.Comparison, contextText)
}

func fill(tmpl, contextText string) string {
	return strings.NewReplacer(ContextSlot, contextText).Replace(tmpl)
}

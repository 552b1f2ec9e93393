package guidance

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coachd/coachd/internal/coach"
)

// priceKeywords marks transcript text as a price objection worth flagging to
// the client before guidance streams.
var priceKeywords = []string{
	"expensive", "afford", "cost", "price", "money", "budget", "too much", "cheaper",
}

const systemPrompt = `You are a live coaching assistant for life insurance sales agents. ` +
	`You see what the client just said during an active call and respond with one short, ` +
	`specific tip the agent can act on immediately. Two sentences maximum. ` +
	`Give concrete wording the agent can use, not generalities. Never mention that you are an AI.`

// Completer produces a streamed completion for a system/user prompt pair.
type Completer interface {
	Stream(ctx context.Context, system, prompt string) (<-chan string, <-chan error)
}

// Engine turns call context into coaching guidance. It implements
// coach.GuidanceBackend.
type Engine struct {
	completer Completer
	retriever Retriever // nil disables playbook retrieval
}

// NewEngine wires a guidance engine. retriever may be nil.
func NewEngine(completer Completer, retriever Retriever) *Engine {
	return &Engine{completer: completer, retriever: retriever}
}

// DetectPriceObjection reports whether the text contains a price objection.
func (e *Engine) DetectPriceObjection(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range priceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// StreamGuidance builds the prompt from the richest available context and
// streams the completion. Retrieval failures degrade to a prompt without
// playbook material, never to a failed generation.
func (e *Engine) StreamGuidance(ctx context.Context, req coach.GuidanceRequest) (<-chan string, <-chan error) {
	var tips []Tip
	if e.retriever != nil {
		var err error
		tips, err = e.retriever.Retrieve(ctx, req.Trigger)
		if err != nil {
			log.Printf("[%s] guidance: playbook retrieval failed: %v", req.SessionID, err)
		}
	}
	return e.completer.Stream(ctx, systemPrompt, buildPrompt(req, tips))
}

func buildPrompt(req coach.GuidanceRequest, tips []Tip) string {
	var b strings.Builder

	if req.Agency != "" {
		fmt.Fprintf(&b, "Agency: %s\n", req.Agency)
	}

	if snap := req.Snapshot; snap != nil {
		fmt.Fprintf(&b, "Call phase: %s\n", snap.Phase)
		if snap.IsPhoneCall {
			b.WriteString("Call type: phone call\n")
		} else {
			b.WriteString("Call type: in-person appointment\n")
		}
		writeProfile(&b, snap.Profile)
		if snap.DownCloseLevel > 0 {
			fmt.Fprintf(&b, "Down-closes already used: %d of %d\n", snap.DownCloseLevel, coach.DownCloseMax)
		}
		if len(snap.Objections) > 0 {
			b.WriteString("Objections so far:\n")
			for _, o := range snap.Objections {
				fmt.Fprintf(&b, "- %s: %q\n", o.Kind, o.Excerpt)
			}
		}
		if n := len(snap.Guidance); n > 0 {
			// Only the last tip matters for avoiding repetition.
			fmt.Fprintf(&b, "Your previous tip (do not repeat it): %q\n", snap.Guidance[n-1].Text)
		}
		if len(snap.RecentTranscript) > 0 {
			fmt.Fprintf(&b, "Recent conversation:\n%s\n", strings.Join(snap.RecentTranscript, "\n"))
		}
	} else {
		if req.Legacy.CallType != "" {
			fmt.Fprintf(&b, "Call type: %s\n", req.Legacy.CallType)
		}
		if req.Legacy.CurrentProduct != "" {
			fmt.Fprintf(&b, "Product being discussed: %s\n", req.Legacy.CurrentProduct)
		}
		writeProfile(&b, coach.ClientProfile{
			Age:        req.Legacy.ClientAge,
			Occupation: req.Legacy.ClientOccupation,
			Family:     req.Legacy.ClientFamily,
		})
		if req.Legacy.RecentTranscript != "" {
			fmt.Fprintf(&b, "Recent conversation: %s\n", req.Legacy.RecentTranscript)
		}
	}

	if len(tips) > 0 {
		b.WriteString("Playbook material that may apply:\n")
		for _, t := range tips {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Category, t.Advice)
		}
	}

	fmt.Fprintf(&b, "\nThe client just said: %q\n", req.Trigger)
	b.WriteString("What should the agent say next?")
	return b.String()
}

func writeProfile(b *strings.Builder, p coach.ClientProfile) {
	if p.Age != "" {
		fmt.Fprintf(b, "Client age: %s\n", p.Age)
	}
	if p.Occupation != "" {
		fmt.Fprintf(b, "Client occupation: %s\n", p.Occupation)
	}
	if p.Family != "" {
		fmt.Fprintf(b, "Client family: %s\n", p.Family)
	}
	if p.Budget != "" {
		fmt.Fprintf(b, "Client budget: %s\n", p.Budget)
	}
}

package sequence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// errEmptyMediaRef is returned when a media step renders to nothing.
var errEmptyMediaRef = errors.New("media reference rendered empty")

// stepOutcome is the result of dispatching one step.
type stepOutcome int

const (
	// outcomeSent: delivered, record history and advance.
	outcomeSent stepOutcome = iota
	// outcomeSuppressed: nothing to send, advance without history.
	outcomeSuppressed
	// outcomeUnknown: unrecognised kind, the policy decides.
	outcomeUnknown
	// outcomeFailed: not delivered, retried next tick.
	outcomeFailed
)

// FormLink builds the song request form URL for a lead. The name is
// percent-encoded with spaces as %20.
func FormLink(baseURL, path, phone, name string) string {
	q := "phone=" + url.QueryEscape(phone) + "&name=" + strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return strings.TrimRight(baseURL, "/") + path + "?" + q
}

// formMessage prefixes the form link with the rendered intro flattened to one line.
func (s *Scheduler) formMessage(intro string, lead models.Lead, phone string) string {
	link := FormLink(s.cfg.FormBaseURL, s.cfg.FormPath, phone, lead.Name)
	intro = s.cfg.Renderer.Render(intro, lead)
	intro = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(intro)
	intro = strings.TrimSpace(intro)
	if intro == "" {
		return link
	}
	return intro + " " + link
}

// dispatchStep renders and sends one step within the dispatch timeout.
func (s *Scheduler) dispatchStep(ctx context.Context, lead models.Lead, phone string, step models.MessageStep) (stepOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	switch models.NormalizeKind(string(step.Kind)) {
	case models.MessageKindText:
		text := strings.TrimSpace(s.cfg.Renderer.Render(step.Content, lead))
		if text == "" {
			return outcomeSuppressed, nil
		}
		if err := s.dispatcher.SendText(ctx, phone, text); err != nil {
			return outcomeFailed, err
		}
	case models.MessageKindForm:
		if err := s.dispatcher.SendText(ctx, phone, s.formMessage(step.Content, lead, phone)); err != nil {
			return outcomeFailed, err
		}
	case models.MessageKindAudio:
		ref := strings.TrimSpace(s.cfg.Renderer.Render(step.Content, lead))
		if ref == "" {
			return outcomeFailed, errEmptyMediaRef
		}
		if err := s.dispatcher.SendAudio(ctx, phone, ref); err != nil {
			return outcomeFailed, err
		}
	case models.MessageKindImage:
		ref := strings.TrimSpace(s.cfg.Renderer.Render(step.Content, lead))
		if ref == "" {
			return outcomeFailed, errEmptyMediaRef
		}
		if err := s.dispatcher.SendImage(ctx, phone, ref); err != nil {
			return outcomeFailed, err
		}
	default:
		return outcomeUnknown, fmt.Errorf("unknown message kind %q", step.Kind)
	}
	return outcomeSent, nil
}

// historySummary describes a dispatched step for the lead's history.
func historySummary(kind models.MessageKind, trigger string) string {
	return fmt.Sprintf("Se envió el %s de la secuencia %s", kind, trigger)
}

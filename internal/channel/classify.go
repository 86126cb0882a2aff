package channel

import "strings"

// ClassKind is the outcome of classifying an update.
type ClassKind string

const (
	ClassDenied    ClassKind = "denied"
	ClassCommand   ClassKind = "command"
	ClassPlainText ClassKind = "plain_text"
	ClassVoice     ClassKind = "voice"
	ClassOther     ClassKind = "other"
)

// Command is a parsed slash command.
type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Classification is the result of Classify.
type Classification struct {
	Kind    ClassKind
	Update  Update
	Command Command
	Voice   VoiceIntake
}

// Allowed reports whether the update passed access control.
func (c Classification) Allowed() bool {
	return c.Kind != ClassDenied
}

// Classify applies access control and classifies update. It has no side effects.
func Classify(update Update, session Session) Classification {
	return classifyWithPolicy(update, NewAccessPolicy(session))
}

func classifyWithPolicy(update Update, policy AccessPolicy) Classification {
	result := Classification{Kind: ClassOther, Update: update}
	switch update.Kind {
	case UpdateText, UpdateVoice:
	default:
		return result
	}
	if !policy.Allows(update.ChatID, update.SenderUsername) {
		result.Kind = ClassDenied
		return result
	}
	if update.Kind == UpdateVoice {
		if update.Voice == nil {
			return result
		}
		result.Kind = ClassVoice
		result.Voice = VoiceIntake{
			MessageID:       update.MessageID,
			ChatID:          update.ChatID,
			FileRef:         update.Voice.FileRef,
			FileUniqueRef:   update.Voice.FileUniqueRef,
			DurationSeconds: update.Voice.DurationSeconds,
			MimeType:        update.Voice.MimeType,
			SizeBytes:       update.Voice.SizeBytes,
			Sender: Sender{
				ID:       update.SenderID,
				Username: update.SenderUsername,
			},
			Timestamp: update.Timestamp,
		}
		return result
	}
	text := strings.TrimSpace(update.Text)
	if strings.HasPrefix(text, "/") {
		result.Kind = ClassCommand
		result.Command = parseCommand(text)
		return result
	}
	result.Kind = ClassPlainText
	return result
}

// parseCommand splits "/link@EstateBot 42" into {Name: "link", Args: ["42"]}.
func parseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}
	}
	name := strings.TrimPrefix(fields[0], "/")
	if idx := strings.Index(name, "@"); idx >= 0 {
		name = name[:idx]
	}
	return Command{
		Name: strings.ToLower(name),
		Args: fields[1:],
	}
}

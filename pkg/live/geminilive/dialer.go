// Package geminilive binds the live supervisor to the Gemini Live API through
// google.golang.org/genai.
package geminilive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-macro/pkg/core/toolcall"
	"github.com/vango-go/vai-macro/pkg/live"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	DefaultSystemInstruction = "You are an AI DJ macro controller. " +
		"Prioritize tool call 'set_macro_controls' over natural language. " +
		"Only emit values in [-1.0, 1.0]. " +
		"Do not narrate internal reasoning when tool call is applicable. " +
		"Valid argument keys are strictly: filter_macro, beat_repeat_macro, reverb_macro, eq_low_macro. " +
		"Do not stay static at neutral unless the live scene is truly static. " +
		"Map energetic gestures (fist pumps, push-up motions, fast movement) to stronger macro changes. " +
		"Map calm pre-drop anticipation to controlled tension, not random spikes."

	compressionTriggerTokens = 24000
	compressionTargetTokens  = 12000
)

// Dialer opens Gemini Live sessions. It implements live.Dialer and
// live.CredentialChecker.
type Dialer struct {
	APIKey            string
	Model             string
	SystemInstruction string
	Logger            *slog.Logger

	// connect is replaced in tests.
	connect func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (session, error)
}

func NewDialer(apiKey, model string, logger *slog.Logger) *Dialer {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		APIKey:            strings.TrimSpace(apiKey),
		Model:             model,
		SystemInstruction: DefaultSystemInstruction,
		Logger:            logger,
	}
}

func (d *Dialer) CheckCredential() error {
	if strings.TrimSpace(d.APIKey) == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}
	return nil
}

func (d *Dialer) Dial(ctx context.Context, req live.DialRequest) (live.Conn, error) {
	cfg := BuildConnectConfig(d.Model, d.SystemInstruction, req.Handle)

	connect := d.connect
	if connect == nil {
		connect = d.connectGenAI
	}
	sess, err := connect(ctx, d.Model, cfg)
	if err != nil {
		return nil, err
	}
	d.logger().Debug("gemini live connected", "model", d.Model, "resumed", req.Handle != "")
	return newConn(sess), nil
}

func (d *Dialer) connectGenAI(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (session, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	sess, err := client.Live.Connect(ctx, model, cfg)
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}
	return sess, nil
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// IsNativeAudio reports whether model only answers with audio.
func IsNativeAudio(model string) bool {
	return strings.Contains(model, "native-audio")
}

// BuildConnectConfig assembles the session setup: the single control tool,
// resumption with handle when present, context window compression, and the
// response modality the model supports.
func BuildConnectConfig(model, systemInstruction, handle string) *genai.LiveConnectConfig {
	decl := toolcall.FunctionDeclaration()
	cfg := &genai.LiveConnectConfig{
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:                 decl.Name,
				Description:          decl.Description,
				ParametersJsonSchema: decl.Parameters,
			}},
		}},
		ContextWindowCompression: &genai.ContextWindowCompressionConfig{
			TriggerTokens: genai.Ptr[int64](compressionTriggerTokens),
			SlidingWindow: &genai.SlidingWindow{TargetTokens: genai.Ptr[int64](compressionTargetTokens)},
		},
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}
	if handle != "" {
		cfg.SessionResumption = &genai.SessionResumptionConfig{Handle: handle}
	}
	if IsNativeAudio(model) {
		cfg.ResponseModalities = []genai.Modality{genai.ModalityAudio}
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	} else {
		cfg.ResponseModalities = []genai.Modality{genai.ModalityText}
	}
	return cfg
}

package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
)

const YandexSTTEndpoint = "stt.api.cloud.yandex.net:443"

type YandexSTTClient struct {
	client        speechkit.RecognizerClient
	conn          *grpc.ClientConn
	authorization string
	folderID      string
	language      string
}

var _ Recognizer = (*YandexSTTClient)(nil)

type YandexConfig struct {
	// Authorization is the full header value, "Bearer <iam>" or
	// "Api-Key <key>".
	Authorization string
	FolderID      string
	Language      string
}

func NewYandexSTTClient(config YandexConfig) (*YandexSTTClient, error) {
	conn, err := grpc.NewClient(YandexSTTEndpoint, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}

	return &YandexSTTClient{
		client:        speechkit.NewRecognizerClient(conn),
		conn:          conn,
		authorization: config.Authorization,
		folderID:      config.FolderID,
		language:      config.Language,
	}, nil
}

func (s *YandexSTTClient) Close() error {
	return s.conn.Close()
}

func (s *YandexSTTClient) StreamRecognize(ctx context.Context, audioData <-chan []byte, events chan<- Event, sampleRate int64) error {
	ctx = metadata.AppendToOutgoingContext(ctx,
		"authorization", s.authorization,
		"x-folder-id", s.folderID,
	)

	stream, err := s.client.RecognizeStreaming(ctx)
	if err != nil {
		close(events)
		return fmt.Errorf("failed to create streaming client: %w", err)
	}

	if err := stream.Send(sessionOptions(s.language, sampleRate)); err != nil {
		close(events)
		return fmt.Errorf("failed to send session options: %w", err)
	}

	recvDone := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				recvDone <- nil
				return
			}
			if err != nil {
				recvDone <- err
				return
			}

			ev, ok := eventFromResponse(resp)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				recvDone <- ctx.Err()
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-audioData:
			if !ok {
				if err := stream.CloseSend(); err != nil {
					slog.Debug("stt close send failed", "err", err)
				}
				return <-recvDone
			}
			req := &speechkit.StreamingRequest{
				Event: &speechkit.StreamingRequest_Chunk{
					Chunk: &speechkit.AudioChunk{Data: chunk},
				},
			}
			if err := stream.Send(req); err != nil {
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
		case err := <-recvDone:
			if err == nil {
				return errors.New("recognition stream ended early")
			}
			return fmt.Errorf("failed to receive recognition result: %w", err)
		}
	}
}

func sessionOptions(language string, sampleRate int64) *speechkit.StreamingRequest {
	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{
				RecognitionModel: &speechkit.RecognitionModelOptions{
					AudioFormat: &speechkit.AudioFormatOptions{
						AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
							RawAudio: &speechkit.RawAudio{
								AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   sampleRate,
								AudioChannelCount: 1,
							},
						},
					},
					TextNormalization: &speechkit.TextNormalizationOptions{
						TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
					},
					LanguageRestriction: &speechkit.LanguageRestrictionOptions{
						RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{language},
					},
					AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
				},
			},
		},
	}
}

// eventFromResponse extracts the best hypothesis. Responses without text
// (status updates, end-of-utterance markers) are skipped.
func eventFromResponse(resp *speechkit.StreamingResponse) (Event, bool) {
	var (
		update *speechkit.AlternativeUpdate
		final  bool
	)
	switch {
	case resp.GetFinal() != nil:
		update, final = resp.GetFinal(), true
	case resp.GetPartial() != nil:
		update = resp.GetPartial()
	default:
		return Event{}, false
	}

	for _, alternative := range update.GetAlternatives() {
		if text := strings.TrimSpace(alternative.GetText()); text != "" {
			return Event{Text: text, Final: final}, true
		}
	}
	return Event{}, false
}

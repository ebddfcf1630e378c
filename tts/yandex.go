package tts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	ttsv3 "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"
)

const (
	YandexTTSEndpoint = "tts.api.cloud.yandex.net:443"
)

type YandexConfig struct {
	// Authorization is the full header value, "Bearer <iam>" or
	// "Api-Key <key>".
	Authorization string
	FolderID      string
}

type YandexTTSClient struct {
	client        ttsv3.SynthesizerClient
	conn          *grpc.ClientConn
	authorization string
	folderID      string
}

// Ensure YandexTTSClient implements Synthesizer interface
var _ Synthesizer = (*YandexTTSClient)(nil)

func GetDefaultSynthesisOptions() SynthesisOptions {
	return SynthesisOptions{
		Voice:     "marina",
		Speed:     1.0,
		Volume:    0.0,
		Model:     "general",
		Container: "mp3",
	}
}

func NewYandexTTSClient(config YandexConfig) (*YandexTTSClient, error) {
	conn, err := grpc.NewClient(YandexTTSEndpoint, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TTS service: %w", err)
	}

	return &YandexTTSClient{
		client:        ttsv3.NewSynthesizerClient(conn),
		conn:          conn,
		authorization: config.Authorization,
		folderID:      config.FolderID,
	}, nil
}

func (c *YandexTTSClient) SynthesizeToStream(ctx context.Context, text string, options SynthesisOptions, audioData chan<- []byte) error {
	defer close(audioData)

	ctx = metadata.AppendToOutgoingContext(ctx,
		"authorization", c.authorization,
		"x-folder-id", c.folderID,
	)

	stream, err := c.client.UtteranceSynthesis(ctx, buildRequest(text, options))
	if err != nil {
		return fmt.Errorf("failed to start synthesis: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to receive audio data: %w", err)
		}

		if audioChunk := resp.GetAudioChunk(); audioChunk != nil {
			select {
			case audioData <- audioChunk.GetData():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Synthesize collects the whole utterance into one buffer.
func Synthesize(ctx context.Context, s Synthesizer, text string, options SynthesisOptions) ([]byte, error) {
	chunks := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- s.SynthesizeToStream(ctx, text, options, chunks)
	}()

	var audio []byte
	for chunk := range chunks {
		audio = append(audio, chunk...)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return audio, nil
}

func buildRequest(text string, options SynthesisOptions) *ttsv3.UtteranceSynthesisRequest {
	req := &ttsv3.UtteranceSynthesisRequest{}
	req.SetModel(options.Model)
	req.SetText(text)

	voiceHint := &ttsv3.Hints{}
	voiceHint.SetVoice(options.Voice)
	speedHint := &ttsv3.Hints{}
	speedHint.SetSpeed(options.Speed)
	volumeHint := &ttsv3.Hints{}
	volumeHint.SetVolume(options.Volume)
	req.SetHints([]*ttsv3.Hints{voiceHint, speedHint, volumeHint})

	containerAudio := &ttsv3.ContainerAudio{}
	containerAudio.SetContainerAudioType(containerType(options.Container))
	audioSpec := &ttsv3.AudioFormatOptions{}
	audioSpec.SetContainerAudio(containerAudio)
	req.SetOutputAudioSpec(audioSpec)

	req.SetLoudnessNormalizationType(ttsv3.UtteranceSynthesisRequest_LUFS)
	return req
}

func containerType(name string) ttsv3.ContainerAudio_ContainerAudioType {
	switch name {
	case "wav":
		return ttsv3.ContainerAudio_WAV
	case "ogg_opus":
		return ttsv3.ContainerAudio_OGG_OPUS
	default:
		return ttsv3.ContainerAudio_MP3
	}
}

func (c *YandexTTSClient) Close() error {
	return c.conn.Close()
}

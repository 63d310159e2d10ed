package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "HTTP server base URL")
	text := flag.String("text", "Hello there. This is a synthesis test.", "Text to synthesize")
	out := flag.String("out", "synthesis.wav", "Output WAV file")
	flag.Parse()

	body, err := json.Marshal(map[string]string{"text": *text})
	if err != nil {
		log.Fatalf("failed to encode request: %v", err)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	start := time.Now()
	resp, err := client.Post(*serverURL+"/v1/synthesize", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		log.Fatalf("synthesis failed: status=%d body=%s", resp.StatusCode, msg)
	}

	sampleRate, err := strconv.Atoi(resp.Header.Get("X-Sample-Rate"))
	if err != nil {
		log.Fatalf("missing sample rate header: %v", err)
	}
	log.Printf("Synthesis started: requestId=%s sampleRate=%d ttfb=%v",
		resp.Header.Get("X-Request-Id"), sampleRate, time.Since(start))

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read audio: %v", err)
	}

	if err := os.WriteFile(*out, wav(pcm, sampleRate), 0o644); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("Wrote %s: %d bytes of audio in %v", *out, len(pcm), time.Since(start))
}

// wav prepends a 44 byte header for 16-bit mono PCM.
func wav(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	w(uint32(36 + len(pcm)))
	buf.WriteString("WAVEfmt ")
	w(uint32(16))             // fmt chunk size
	w(uint16(1))              // PCM
	w(uint16(1))              // mono
	w(uint32(sampleRate))     // sample rate
	w(uint32(sampleRate * 2)) // byte rate
	w(uint16(2))              // block align
	w(uint16(16))             // bits per sample
	buf.WriteString("data")
	w(uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

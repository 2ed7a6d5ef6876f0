package compiler

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.starlark.net/starlark"
)

// Artifact layout: magic, version byte, descriptor length (uint32 big endian),
// descriptor JSON, compiled program.
const (
	artifactMagic   = "TRTA"
	artifactVersion = 1
)

// ErrArtifactFormat is returned when a stored artifact cannot be decoded.
var ErrArtifactFormat = errors.New("unrecognised artifact format")

func encodeArtifact(desc *Descriptor, prog *starlark.Program) ([]byte, error) {
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(artifactMagic)
	buf.WriteByte(artifactVersion)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(descJSON)))
	buf.Write(n[:])
	buf.Write(descJSON)
	if err := prog.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode program: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeArtifact(artifact []byte) (*Descriptor, *starlark.Program, error) {
	r := bytes.NewReader(artifact)

	header := make([]byte, len(artifactMagic)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArtifactFormat, err)
	}
	if string(header[:len(artifactMagic)]) != artifactMagic {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrArtifactFormat)
	}
	if header[len(artifactMagic)] != artifactVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrArtifactFormat, header[len(artifactMagic)])
	}

	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArtifactFormat, err)
	}
	descJSON := make([]byte, binary.BigEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, descJSON); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrArtifactFormat, err)
	}

	desc := &Descriptor{}
	if err := json.Unmarshal(descJSON, desc); err != nil {
		return nil, nil, fmt.Errorf("%w: descriptor: %v", ErrArtifactFormat, err)
	}
	if desc.Methods == nil {
		desc.Methods = map[string]Method{}
	}

	prog, err := starlark.CompiledProgram(r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: program: %v", ErrArtifactFormat, err)
	}
	return desc, prog, nil
}

func hashArtifact(artifact []byte) string {
	sum := sha256.Sum256(artifact)
	return hex.EncodeToString(sum[:])
}

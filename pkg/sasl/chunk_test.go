// Copyright 2018-2019 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package sasl

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkAssemblerSingleLineRoundtrip(t *testing.T) {
	payload := []byte("\x00alice\x00hunter2")
	lines := encodeChunks(payload)
	require.Len(t, lines, 1)

	var a chunkAssembler
	complete, err := a.feed(lines[0])
	require.NoError(t, err)
	assert.True(t, complete)

	decoded, err := a.decode()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestChunkAssemblerEmptyPayloadUsesPlusMarker(t *testing.T) {
	lines := encodeChunks(nil)
	require.Equal(t, []string{"+"}, lines)

	var a chunkAssembler
	complete, err := a.feed("+")
	require.NoError(t, err)
	assert.True(t, complete)

	decoded, err := a.decode()
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestChunkAssemblerMultiChunkReassembly(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000)
	lines := encodeChunks(payload)
	require.Greater(t, len(lines), 1)

	var a chunkAssembler
	for i, line := range lines {
		complete, err := a.feed(line)
		require.NoError(t, err)
		if i < len(lines)-1 {
			assert.False(t, complete)
		} else {
			assert.True(t, complete)
		}
	}

	decoded, err := a.decode()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestChunkAssemblerRejectsOverlongPayload(t *testing.T) {
	// Every line is maxChunkLine characters of base64 input, so enough
	// full chunks blow past MaxPayloadBytes before a final short line ends
	// the sequence.
	oneChunk := strings.Repeat("A", maxChunkLine)
	var a chunkAssembler
	var err error
	for i := 0; i < 40; i++ {
		_, err = a.feed(oneChunk)
		if err != nil {
			break
		}
	}
	assert.Error(t, err)
}

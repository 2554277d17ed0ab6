/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUMillis(t *testing.T) {
	for input, want := range map[string]int64{
		"1":    1000,
		"0.5":  500,
		"2":    2000,
		"0.25": 250,
	} {
		got, err := CPUMillis(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := CPUMillis("zero")
	assert.Error(t, err)
	_, err = CPUMillis("-1")
	assert.Error(t, err)
}

func TestMemoryBytes(t *testing.T) {
	for input, want := range map[string]int64{
		"512Mi": 512 << 20,
		"2Gi":   2 << 30,
		"1G":    1e9,
		"1024":  1024,
	} {
		got, err := MemoryBytes(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := MemoryBytes("lots")
	assert.Error(t, err)
	_, err = MemoryBytes("-512Mi")
	assert.Error(t, err)
}

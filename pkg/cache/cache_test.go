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

package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
)

type countingSource struct {
	tmpl *v1.Template
	gets int
}

func (s *countingSource) Get(context.Context, string) (*v1.Template, error) {
	s.gets++
	return s.tmpl, nil
}

func (s *countingSource) GetByName(context.Context, string) (*v1.Template, error) {
	s.gets++
	return s.tmpl, nil
}

func TestTemplatesReadThrough(t *testing.T) {
	source := &countingSource{tmpl: &v1.Template{ID: "tmpl_pythonbasic1", Name: "python-basic"}}
	templates := NewTemplates(source)

	for i := 0; i < 5; i++ {
		tmpl, err := templates.Get(context.Background(), "tmpl_pythonbasic1")
		require.NoError(t, err)
		assert.Equal(t, "python-basic", tmpl.Name)
	}
	assert.Equal(t, 1, source.gets)

	templates.Invalidate(source.tmpl)
	_, err := templates.Get(context.Background(), "tmpl_pythonbasic1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.gets)
}

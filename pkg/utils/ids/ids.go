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

// Package ids generates and validates the identifier formats used across the
// control plane: sess_[a-z0-9]{16}, exec_[0-9]{8}_[a-z0-9]{8}, tmpl_*, art_*
// and node_*.
package ids

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	sessionPattern   = regexp.MustCompile(`^sess_[a-z0-9]{16}$`)
	executionPattern = regexp.MustCompile(`^exec_[0-9]{8}_[a-z0-9]{8}$`)
	templatePattern  = regexp.MustCompile(`^tmpl_[a-z0-9]{12}$`)
	artifactPattern  = regexp.MustCompile(`^art_[a-z0-9]{12}$`)
	nodePattern      = regexp.MustCompile(`^node_[a-z0-9]{12}$`)
)

// randomSuffix returns n characters drawn uniformly from the lowercase
// alphanumeric alphabet using crypto/rand.
func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does, the
		// process cannot safely generate identifiers at all.
		panic(fmt.Sprintf("reading random bytes, %s", err))
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf)
}

// NewSessionID returns a fresh sess_ identifier.
func NewSessionID() string {
	return "sess_" + randomSuffix(16)
}

// NewExecutionID returns a fresh exec_ identifier. The embedded date segment
// makes execution ids roughly sortable by day and greppable in logs.
func NewExecutionID(now time.Time) string {
	return fmt.Sprintf("exec_%s_%s", now.UTC().Format("20060102"), randomSuffix(8))
}

// NewTemplateID returns a fresh tmpl_ identifier.
func NewTemplateID() string {
	return "tmpl_" + randomSuffix(12)
}

// NewArtifactID returns a fresh art_ identifier.
func NewArtifactID() string {
	return "art_" + randomSuffix(12)
}

// NewNodeID returns a fresh node_ identifier.
func NewNodeID() string {
	return "node_" + randomSuffix(12)
}

func IsSessionID(id string) bool   { return sessionPattern.MatchString(id) }
func IsExecutionID(id string) bool { return executionPattern.MatchString(id) }
func IsTemplateID(id string) bool  { return templatePattern.MatchString(id) }
func IsArtifactID(id string) bool  { return artifactPattern.MatchString(id) }
func IsNodeID(id string) bool      { return nodePattern.MatchString(id) }

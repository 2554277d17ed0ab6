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

package session

import (
	"regexp"
	"strings"

	v1 "github.com/kweaver-ai/sandbox/pkg/apis/v1"
	"github.com/kweaver-ai/sandbox/pkg/errors"
	"github.com/kweaver-ai/sandbox/pkg/runtime"
)

// packagePattern accepts plain package names with optional extras and a
// version specifier. It structurally cannot match URLs, shell metacharacters
// or path traversal, so requested installs can be passed to the in-container
// installer verbatim.
var packagePattern = regexp.MustCompile(
	`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9,._ -]+\])?((==|>=|<=|~=|!=|>|<)[A-Za-z0-9.*+!_-]+)?$`)

// resolveResources merges the request's resources over the template
// defaults and checks them against the template's allowed range.
func resolveResources(tmpl *v1.Template, requested *v1.ResourceSpec) (v1.ResourceSpec, error) {
	resources := v1.ResourceSpec{
		CPU:    tmpl.DefaultCPU,
		Memory: tmpl.DefaultMemory,
		Disk:   tmpl.DefaultDisk,
	}
	if requested != nil {
		if requested.CPU != "" {
			resources.CPU = requested.CPU
		}
		if requested.Memory != "" {
			resources.Memory = requested.Memory
		}
		if requested.Disk != "" {
			resources.Disk = requested.Disk
		}
	}

	cpuMillis, err := runtime.CPUMillis(resources.CPU)
	if err != nil {
		return v1.ResourceSpec{}, errors.Validation("invalid cpu: %s", err)
	}
	memoryBytes, err := runtime.MemoryBytes(resources.Memory)
	if err != nil {
		return v1.ResourceSpec{}, errors.Validation("invalid memory: %s", err)
	}
	diskBytes, err := runtime.MemoryBytes(resources.Disk)
	if err != nil {
		return v1.ResourceSpec{}, errors.Validation("invalid disk: %s", err)
	}

	r := tmpl.ResourceRange
	if r.MinCPUMillis > 0 && cpuMillis < r.MinCPUMillis || r.MaxCPUMillis > 0 && cpuMillis > r.MaxCPUMillis {
		return v1.ResourceSpec{}, errors.Validation("cpu %s is outside the template's allowed range", resources.CPU)
	}
	if r.MinMemoryBytes > 0 && memoryBytes < r.MinMemoryBytes || r.MaxMemoryBytes > 0 && memoryBytes > r.MaxMemoryBytes {
		return v1.ResourceSpec{}, errors.Validation("memory %s is outside the template's allowed range", resources.Memory)
	}
	if r.MinDiskBytes > 0 && diskBytes < r.MinDiskBytes || r.MaxDiskBytes > 0 && diskBytes > r.MaxDiskBytes {
		return v1.ResourceSpec{}, errors.Validation("disk %s is outside the template's allowed range", resources.Disk)
	}
	return resources, nil
}

// validateEnv enforces the environment map limits.
func validateEnv(env map[string]string) error {
	if len(env) > v1.MaxEnvKeys {
		return errors.Validation("env has %d keys, limit is %d", len(env), v1.MaxEnvKeys)
	}
	total := 0
	for k, val := range env {
		if k == "" {
			return errors.Validation("env keys must be non-empty")
		}
		if strings.ContainsAny(k, "=\x00") {
			return errors.Validation("env key %q contains forbidden characters", k)
		}
		total += len(k) + len(val)
	}
	if total > v1.MaxEnvTotalSize {
		return errors.Validation("env totals %d bytes, limit is %d", total, v1.MaxEnvTotalSize)
	}
	return nil
}

// validateDependencies checks requested package installs: names must be
// plain package specifiers, and clashes with the template's preinstalled
// set are rejected unless the caller opted into version conflicts.
func validateDependencies(requested, preinstalled []string, allowConflicts bool) error {
	if len(requested) == 0 {
		return nil
	}
	baked := map[string]struct{}{}
	for _, pkg := range preinstalled {
		baked[baseName(pkg)] = struct{}{}
	}
	for _, pkg := range requested {
		if !packagePattern.MatchString(pkg) {
			return errors.Validation("invalid package specifier %q", pkg).
				WithSolution("use plain package names with optional version pins, not URLs or paths")
		}
		if _, clash := baked[baseName(pkg)]; clash && !allowConflicts {
			return errors.Validation("package %q is preinstalled in the template", pkg).
				WithSolution("drop it from dependencies or set allow_version_conflicts")
		}
	}
	return nil
}

// baseName strips extras and version specifiers off a package specifier.
func baseName(pkg string) string {
	for _, sep := range []string{"[", "==", ">=", "<=", "~=", "!=", ">", "<"} {
		if i := strings.Index(pkg, sep); i >= 0 {
			pkg = pkg[:i]
		}
	}
	return strings.ToLower(strings.TrimSpace(pkg))
}

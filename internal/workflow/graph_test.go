// Copyright 2025 Tom Barlow
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

package workflow

import (
	"strings"
	"testing"

	"github.com/tombee/foreman/pkg/token"
)

func buildItems(t *testing.T, yaml string) []*JobItem {
	t.Helper()
	doc, err := token.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	jobs, _ := doc.Get("jobs")
	items, err := BuildGraph(jobs)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	return items
}

func TestBuildGraph(t *testing.T) {
	items := buildItems(t, `
jobs:
  build:
    runs-on: linux
  test:
    needs: build
    runs-on: linux
  deploy:
    needs: [build, test]
    runs-on: linux
`)
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].Name != "build" || items[1].Name != "test" || items[2].Name != "deploy" {
		t.Errorf("items out of declaration order: %s, %s, %s",
			items[0].Name, items[1].Name, items[2].Name)
	}
	if len(items[1].Needs) != 1 || items[1].Needs[0] != "build" {
		t.Errorf("test.Needs = %v, want [build]", items[1].Needs)
	}
	if len(items[2].Needs) != 2 {
		t.Errorf("deploy.Needs = %v, want [build test]", items[2].Needs)
	}
}

func TestBuildGraphInvalidNames(t *testing.T) {
	doc, err := token.Parse([]byte(`
jobs:
  9lives:
    runs-on: linux
  "spaced out":
    runs-on: linux
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	jobs, _ := doc.Get("jobs")
	_, err = BuildGraph(jobs)
	if err == nil {
		t.Fatal("BuildGraph() error = nil, want name validation errors")
	}
	if !strings.Contains(err.Error(), "9lives") || !strings.Contains(err.Error(), "spaced out") {
		t.Errorf("error should aggregate both names, got %q", err.Error())
	}
}

func TestBuildGraphNoJobs(t *testing.T) {
	if _, err := BuildGraph(nil); err == nil {
		t.Error("BuildGraph(nil) error = nil, want error")
	}
}

func TestResolveDependencies(t *testing.T) {
	items := buildItems(t, `
jobs:
  build:
    runs-on: linux
  test:
    needs: build
    runs-on: linux
  deploy:
    needs: test
    runs-on: linux
`)
	if err := ResolveDependencies(items); err != nil {
		t.Fatalf("ResolveDependencies() error = %v", err)
	}

	deploy := items[2]
	if len(deploy.Dependencies) != 2 {
		t.Errorf("deploy closure = %d entries, want 2 (test and build)", len(deploy.Dependencies))
	}
	if _, ok := deploy.Dependencies["build"]; !ok {
		t.Error("deploy closure is missing the transitive dependency build")
	}
}

func TestResolveDependenciesMissing(t *testing.T) {
	items := buildItems(t, `
jobs:
  test:
    needs: build
    runs-on: linux
`)
	err := ResolveDependencies(items)
	if err == nil {
		t.Fatal("ResolveDependencies() error = nil, want missing dependency")
	}
	if !strings.Contains(err.Error(), "Missing Dependency detected: build") {
		t.Errorf("error = %q, want missing dependency message", err.Error())
	}
}

func TestResolveDependenciesCycle(t *testing.T) {
	items := buildItems(t, `
jobs:
  a:
    needs: b
    runs-on: linux
  b:
    needs: a
    runs-on: linux
`)
	err := ResolveDependencies(items)
	if err == nil {
		t.Fatal("ResolveDependencies() error = nil, want cycle error")
	}
	if !strings.Contains(err.Error(), "Cyclic Dependency detected") {
		t.Errorf("error = %q, want cycle message", err.Error())
	}
}

func TestResolveDependenciesSelfCycle(t *testing.T) {
	items := buildItems(t, `
jobs:
  a:
    needs: a
    runs-on: linux
`)
	err := ResolveDependencies(items)
	if err == nil {
		t.Fatal("ResolveDependencies() error = nil, want cycle error")
	}
	if !strings.Contains(err.Error(), "a -> a") {
		t.Errorf("error = %q, want the a -> a path", err.Error())
	}
}

func TestResolveDependenciesDiamond(t *testing.T) {
	// A diamond is not a cycle: both branches reach the shared root.
	items := buildItems(t, `
jobs:
  root:
    runs-on: linux
  left:
    needs: root
    runs-on: linux
  right:
    needs: root
    runs-on: linux
  merge:
    needs: [left, right]
    runs-on: linux
`)
	if err := ResolveDependencies(items); err != nil {
		t.Fatalf("ResolveDependencies() error = %v", err)
	}
	if len(items[3].Dependencies) != 3 {
		t.Errorf("merge closure = %d entries, want 3", len(items[3].Dependencies))
	}
}

func TestPruneToJob(t *testing.T) {
	items := buildItems(t, `
jobs:
  build:
    runs-on: linux
  test:
    needs: build
    runs-on: linux
  docs:
    runs-on: linux
`)
	pruned := PruneToJob(items, "test")
	if len(pruned) != 2 {
		t.Fatalf("len(pruned) = %d, want 2", len(pruned))
	}
	for _, item := range pruned {
		if item.Name == "docs" {
			t.Error("docs should have been pruned")
		}
	}

	if got := PruneToJob(items, "nonexistent"); len(got) != 0 {
		t.Errorf("pruning to an unknown job kept %d items, want 0", len(got))
	}
}

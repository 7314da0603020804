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

// Package token models workflow YAML documents as typed token trees
// and evaluates the ${{ ... }} template expressions embedded in them.
//
// A Token preserves mapping key order from the source document and
// matches keys case-insensitively, which lets callers walk workflow
// files the way authors wrote them. The Evaluator compiles template
// expressions once and caches the compiled programs, so matrix jobs
// that share expressions do not pay repeated compilation costs.
package token

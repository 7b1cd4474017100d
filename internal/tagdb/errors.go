// Copyright 2025 The TagFS Authors
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

package tagdb

import "errors"

// The error kinds shared by the database, the resolver and the
// filesystem layer. Callers classify errors with [errors.Is]; the fuse
// glue maps each kind to its errno at the boundary.
var (
	ErrNotFound     = errors.New("no such entry")
	ErrExist        = errors.New("entry already exists")
	ErrIsDir        = errors.New("entry is a tag")
	ErrNotDir       = errors.New("entry is not a tag")
	ErrInvalid      = errors.New("invalid argument")
	ErrNotSupported = errors.New("operation not supported")
	ErrIO           = errors.New("i/o error")
	ErrCorrupt      = errors.New("tag database corrupt")
	ErrConflict     = errors.New("entry conflicts with backing directory")
)

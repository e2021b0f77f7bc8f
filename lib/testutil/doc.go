// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by clusterfs tests.
//
// [RequireReceive] and [RequireClosed] are the only places tests wait
// on wall-clock time; everything else drives time through clock.Fake.
// [RequireNoReceive] asserts a channel stays quiet. [UniqueID] names
// test objects without consulting the clock. [RandomBytes] builds
// reproducible incompressible payloads.
//
// Helpers call t.Fatalf on failure.
package testutil

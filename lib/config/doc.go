// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of a clusterfs volume.
//
// Configuration comes from a single file named by the CLUSTERFS_CONFIG
// environment variable ([Load]) or the --config flag ([LoadFile]).
// There is no discovery and no per-field environment override. The
// file is YAML; a .json or .jsonc file is accepted and normalized
// with tidwall/jsonc first, since YAML is a superset of JSON.
//
// A development or production section overrides base values for the
// matching environment. Production forces synchronous=FULL.
//
// ${HOME} and ${VAR:-default} are expanded in volume.path and
// key_file.
package config

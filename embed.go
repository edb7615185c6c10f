package skyposter

import "embed"

// EmbeddedAssets contains the admin stylesheet served at /public/admin.css.
//
//go:embed embedded/*
var EmbeddedAssets embed.FS

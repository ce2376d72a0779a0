// Package model defines the core domain types for linechat.
package model

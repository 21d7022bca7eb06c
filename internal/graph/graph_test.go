package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractESImports(t *testing.T) {
	src := `import { AuthService, TokenStore as Store } from './auth/service';
import express from 'express';
const db = require('../db');
`
	edges := Extract(src, "src/api/routes.ts")
	require.Len(t, edges, 3)

	assert.Equal(t, Edge{
		FromFile: "src/api/routes.ts",
		ToFile:   "src/api/auth/service.ts",
		ToSymbol: "AuthService",
		Type:     EdgeImports,
	}, edges[0])

	assert.Equal(t, "express", edges[1].ToFile, "external specifiers stay verbatim")
	assert.Equal(t, "src/db.ts", edges[2].ToFile, "require resolves relative paths")
}

func TestExtractInheritance(t *testing.T) {
	src := `class AdminService extends BaseService implements Audited, Disposable {
}
`
	edges := Extract(src, "src/admin.ts")

	var types []EdgeType
	var targets []string
	for _, e := range edges {
		types = append(types, e.Type)
		targets = append(targets, e.ToSymbol)
	}
	assert.Contains(t, types, EdgeExtends)
	assert.Contains(t, targets, "BaseService")
	assert.Contains(t, targets, "Audited")
	assert.Contains(t, targets, "Disposable")
}

func TestExtractPython(t *testing.T) {
	src := `import os, json
from app.models import User

class Admin(User):
    pass

class Plain(object):
    pass
`
	edges := Extract(src, "app/admin.py")

	var imports, bases []string
	for _, e := range edges {
		switch e.Type {
		case EdgeImports:
			imports = append(imports, e.ToFile)
		case EdgeExtends:
			bases = append(bases, e.ToSymbol)
		}
	}
	assert.ElementsMatch(t, []string{"os", "json", "app.models"}, imports)
	assert.Equal(t, []string{"User"}, bases, "object base is excluded")
}

func TestExtractGoImportBlock(t *testing.T) {
	src := `package main

import (
	"fmt"
	zap "go.uber.org/zap"
)
`
	edges := Extract(src, "cmd/main.go")
	var targets []string
	for _, e := range edges {
		targets = append(targets, e.ToFile)
	}
	assert.Contains(t, targets, "fmt")
	assert.Contains(t, targets, "go.uber.org/zap")
}

func TestEmptyEndpointsDropped(t *testing.T) {
	edges := Extract(`import '';`, "a.ts")
	assert.Empty(t, edges)
}

func TestStoreExpand(t *testing.T) {
	s := NewStore()
	s.Replace("proj", []Edge{
		{FromFile: "a.ts", ToFile: "b.ts", Type: EdgeImports},
		{FromFile: "b.ts", ToFile: "c.ts", Type: EdgeImports},
		{FromFile: "c.ts", ToFile: "d.ts", Type: EdgeImports},
		{FromFile: "x.ts", ToFile: "y.ts", Type: EdgeImports},
	})

	oneHop := s.Expand("proj", []string{"a.ts"}, 1)
	assert.Equal(t, []string{"b.ts"}, oneHop)

	twoHops := s.Expand("proj", []string{"a.ts"}, 2)
	assert.Equal(t, []string{"b.ts", "c.ts"}, twoHops)

	assert.Empty(t, s.Expand("proj", []string{"a.ts"}, 0))
	assert.Empty(t, s.Expand("other", []string{"a.ts"}, 2))
}

func TestStoreRemoveFile(t *testing.T) {
	s := NewStore()
	s.Replace("proj", []Edge{
		{FromFile: "a.ts", ToFile: "b.ts", Type: EdgeImports},
		{FromFile: "b.ts", ToFile: "c.ts", Type: EdgeImports},
	})
	require.Equal(t, 2, s.EdgeCount("proj"))

	s.RemoveFile("proj", "b.ts")
	assert.Equal(t, 0, s.EdgeCount("proj"), "both edges touched b.ts")

	s.Add("proj", []Edge{{FromFile: "b.ts", ToFile: "d.ts", Type: EdgeImports}})
	assert.Equal(t, []string{"d.ts"}, s.Expand("proj", []string{"b.ts"}, 1))
}

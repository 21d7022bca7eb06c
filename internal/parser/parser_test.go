package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFilePriority(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, ChunkContract, r.ClassifyFile("api/schema.proto"))
	assert.Equal(t, ChunkContract, r.ClassifyFile("docs/openapi.yaml"), "contract outranks config")
	assert.Equal(t, ChunkConfig, r.ClassifyFile("deploy/values.yaml"))
	assert.Equal(t, ChunkConfig, r.ClassifyFile(".env.production"))
	assert.Equal(t, ChunkDocs, r.ClassifyFile("README.md"))
	assert.Equal(t, ChunkCode, r.ClassifyFile("src/auth.ts"))
	assert.Equal(t, ChunkUnknown, r.ClassifyFile("logo.png"))
}

func TestTypeScriptTopLevelDeclarations(t *testing.T) {
	src := `import { Router } from 'express';
import fs from 'fs';

export class AuthService {
  login(user: string): boolean {
    return user.length > 0;
  }
}

export function middleware(req: Request): void {
  console.log(req);
}

interface TokenPayload {
  sub: string;
  exp: number;
}

type SessionID = string | number;

const handler = async (req: Request) => {
  return req.body;
};

const trivial = 42;
`
	r := NewRegistry()
	chunks, err := r.Parse("src/auth.ts", src)
	require.NoError(t, err)

	var symbols []string
	for _, c := range chunks {
		require.LessOrEqual(t, c.StartLine, c.EndLine)
		assert.Equal(t, ChunkCode, c.Type)
		assert.Equal(t, "typescript", c.Language)
		symbols = append(symbols, c.Symbols...)
	}

	assert.Contains(t, symbols, "AuthService")
	assert.Contains(t, symbols, "middleware")
	assert.Contains(t, symbols, "TokenPayload")
	assert.Contains(t, symbols, "SessionID")
	assert.Contains(t, symbols, "handler", "arrow-function const is significant")
	assert.NotContains(t, symbols, "trivial", "plain constant is skipped")

	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Imports, "express", "imports attach to the first chunk")
	assert.Contains(t, chunks[0].Imports, "fs")
	for _, c := range chunks[1:] {
		assert.Empty(t, c.Imports)
	}
}

func TestPythonRegexBoundaries(t *testing.T) {
	src := `import os
from typing import Optional

class Worker:
    def __init__(self):
        self.done = False

def process(items):
    return [i for i in items if i]

async def run_all(queue):
    while queue:
        await queue.pop()
`
	r := NewRegistry()
	chunks, err := r.Parse("worker.py", src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	var symbols []string
	for _, c := range chunks {
		symbols = append(symbols, c.Symbols...)
	}
	assert.Contains(t, symbols, "process")
	assert.Contains(t, symbols, "run_all")
	assert.Contains(t, chunks[0].Imports, "typing")
	assert.Contains(t, chunks[0].Imports, "os")
}

func TestLineBucketFallback(t *testing.T) {
	// No declaration boundaries at all: a long script of statements.
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("echo this is statement number with padding text to fill the line\n")
	}

	chunks, err := NewRegistry().Parse("run.sh", b.String())
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "long file splits into buckets")
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Content), maxBucketChars+100)
	}
}

func TestSmallChunksDropped(t *testing.T) {
	chunks, err := NewRegistry().Parse("tiny.py", "x = 1\n")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestJSONTopLevelKeys(t *testing.T) {
	src := `{
  "name": "svc",
  "scripts": {
    "build": "tsc",
    "test": "jest"
  }
}`
	chunks, err := NewRegistry().Parse("package.json", src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"name"}, chunks[0].Symbols)
	assert.Equal(t, []string{"scripts"}, chunks[1].Symbols)
	assert.Contains(t, chunks[1].Content, `"build": "tsc"`)
}

func TestYAMLZeroIndentSplit(t *testing.T) {
	src := `server:
  port: 8080
  host: 0.0.0.0
logging:
  level: debug
  format: json
`
	chunks, err := NewRegistry().Parse("config.yaml", src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"server"}, chunks[0].Symbols)
	assert.Equal(t, []string{"logging"}, chunks[1].Symbols)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 4, chunks[1].StartLine)
}

func TestEnvBlocks(t *testing.T) {
	src := `DATABASE_URL=postgres://localhost/dev
DATABASE_POOL=10

REDIS_URL=redis://localhost:6379
REDIS_TTL=300
`
	chunks, err := NewRegistry().Parse(".env", src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"DATABASE_URL", "DATABASE_POOL"}, chunks[0].Symbols)
	assert.Equal(t, []string{"REDIS_URL", "REDIS_TTL"}, chunks[1].Symbols)
}

func TestMarkdownHeadingSplit(t *testing.T) {
	src := `# Architecture

The service has three layers described below.

## Storage Layer

Vector collections hold the indexed chunks.

## API Layer

HTTP handlers front every operation.
`
	chunks, err := NewRegistry().Parse("ARCHITECTURE.md", src)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"Architecture"}, chunks[0].Symbols)
	assert.Equal(t, []string{"Storage Layer"}, chunks[1].Symbols)
	assert.Equal(t, []string{"API Layer"}, chunks[2].Symbols)
}

func TestMarkdownIgnoresHeadingsInFences(t *testing.T) {
	src := "# Title\n\nIntro paragraph with some length.\n\n```bash\n# not a heading\necho hi\n```\n\nMore prose here to keep the chunk sized.\n"
	chunks, err := NewRegistry().Parse("doc.md", src)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestProtoBoundaries(t *testing.T) {
	src := `syntax = "proto3";

message SearchRequest {
  string query = 1;
  int32 limit = 2;
}

message SearchResponse {
  repeated string results = 1;
}

service Retrieval {
  rpc Search(SearchRequest) returns (SearchResponse);
}
`
	chunks, err := NewRegistry().Parse("retrieval.proto", src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	var symbols []string
	for _, c := range chunks {
		symbols = append(symbols, c.Symbols...)
	}
	assert.Contains(t, symbols, "SearchRequest")
	assert.Contains(t, symbols, "SearchResponse")
	assert.Contains(t, symbols, "Retrieval")
}

func TestGraphQLBoundaries(t *testing.T) {
	src := `type Query {
  search(q: String!): [Result!]!
}

type Result {
  file: String!
  score: Float!
}

input SearchInput {
  query: String!
}
`
	chunks, err := NewRegistry().Parse("schema.graphql", src)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkContract, chunks[0].Type)
}

func TestRSTUnderlineTitles(t *testing.T) {
	src := `Overview
========

The pipeline ingests files continuously.

Deployment
----------

Run the daemon under systemd for restarts.
`
	chunks, err := NewRegistry().Parse("guide.rst", src)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"Overview"}, chunks[0].Symbols)
	assert.Equal(t, []string{"Deployment"}, chunks[1].Symbols)
}

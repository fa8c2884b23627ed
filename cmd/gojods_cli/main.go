package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const clientTimeout = 10 * time.Second

var serverURL = flag.String("server", "http://localhost:8090", "Base URL of the gojods HTTP service")

// APIRequest mirrors the request body of the service.
type APIRequest struct {
	DatasetIDs    []int64 `json:"datasetIds,omitempty"`
	DatafileIDs   []int64 `json:"datafileIds,omitempty"`
	PreparationID string  `json:"preparationId,omitempty"`
}

// APIResponse mirrors the response envelope of the service.
type APIResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var httpClient = http.Client{Timeout: clientTimeout}

func post(path string, req APIRequest) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		log.Printf("Error marshalling request: %v", err)
		return
	}
	resp, err := httpClient.Post(*serverURL+path, "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		log.Printf("Error sending request: %v", err)
		return
	}
	printResponse(resp)
}

func get(path string) {
	resp, err := httpClient.Get(*serverURL + path)
	if err != nil {
		log.Printf("Error sending request: %v", err)
		return
	}
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("Error reading response body: %v", err)
		return
	}
	var apiResp APIResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		fmt.Printf("Raw response (%s): %s\n", resp.Status, strings.TrimSpace(string(bodyBytes)))
		return
	}
	fmt.Printf("Response: Status=%s", apiResp.Status)
	if apiResp.Message != "" {
		fmt.Printf(", Message='%s'", apiResp.Message)
	}
	fmt.Println()
	if len(apiResp.Data) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, apiResp.Data, "", "  "); err == nil {
			fmt.Println(out.String())
		}
	}
}

// parseSelection reads arguments of the form "ds:1,2 df:11 12" into a
// request. Bare ids are datafile ids.
func parseSelection(args []string) (APIRequest, error) {
	var req APIRequest
	for _, arg := range args {
		target := &req.DatafileIDs
		switch {
		case strings.HasPrefix(arg, "ds:"):
			target, arg = &req.DatasetIDs, strings.TrimPrefix(arg, "ds:")
		case strings.HasPrefix(arg, "df:"):
			arg = strings.TrimPrefix(arg, "df:")
		}
		for _, s := range strings.Split(arg, ",") {
			if s == "" {
				continue
			}
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return req, fmt.Errorf("invalid id %q", s)
			}
			*target = append(*target, id)
		}
	}
	if len(req.DatasetIDs) == 0 && len(req.DatafileIDs) == 0 {
		return req, errors.New("no ids given")
	}
	return req, nil
}

var selectionCommands = map[string]string{
	"prepare":     "/prepare",
	"getstatus":   "/getStatus",
	"reset":       "/reset",
	"checkonline": "/checkOnline",
	"archive":     "/archive",
	"restore":     "/restore",
	"write":       "/write",
	"delete":      "/delete",
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  status")
	fmt.Println("  prepare <ids>")
	fmt.Println("  isprepared <preparationId>")
	fmt.Println("  getstatus <ids> | getstatus prep:<preparationId>")
	fmt.Println("  reset <ids> | reset prep:<preparationId>")
	fmt.Println("  checkonline <ids>")
	fmt.Println("  archive|restore|write|delete <ids>")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
	fmt.Println("ids: ds:1,2 selects datasets, df:11 or a bare 11 selects datafiles")
}

// processCommand handles a single command and reports whether the CLI should exit.
func processCommand(args []string) bool {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return false
	}
	command := strings.ToLower(args[0])

	switch command {
	case "status":
		get("/status")
	case "isprepared":
		if len(args) < 2 {
			fmt.Println("Error: isprepared requires a preparation id.")
			return false
		}
		get("/isPrepared?preparationId=" + url.QueryEscape(args[1]))
	case "help":
		printHelp()
	case "exit", "quit":
		fmt.Println("Exiting gojods CLI.")
		return true
	default:
		path, ok := selectionCommands[command]
		if !ok {
			fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
			return false
		}
		if (command == "getstatus" || command == "reset") && len(args) == 2 && strings.HasPrefix(args[1], "prep:") {
			post(path, APIRequest{PreparationID: strings.TrimPrefix(args[1], "prep:")})
			return false
		}
		req, err := parseSelection(args[1:])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		post(path, req)
	}
	return false
}

func completer() *readline.PrefixCompleter {
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("status"),
		readline.PcItem("isprepared"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	}
	for name := range selectionCommands {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func interactive() {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojods> ",
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatalf("Error initializing terminal: %v", err)
	}
	defer rl.Close()

	fmt.Println("gojods CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if processCommand(strings.Fields(line)) {
			return
		}
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	if flag.NArg() == 0 {
		interactive()
		return
	}
	processCommand(flag.Args())
}

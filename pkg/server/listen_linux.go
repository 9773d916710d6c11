//go:build linux

package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// logListenBacklog logs the kernel's listen backlog limit
func logListenBacklog(addr string) {
	somaxconn := readSomaxconn()

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections during login bursts", somaxconn)
		log.Printf("  Consider: sudo sysctl -w net.core.somaxconn=65535")
	}
}

func readSomaxconn() int {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &somaxconn)
	}
	return somaxconn
}

// monitorListenOverflows polls the kernel's ListenOverflows counter and
// reports growth as a metric until the server stops
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > last {
				delta := overflows - last
				s.metrics.RecordListenOverflows(delta)
				log.Printf("WARNING: %d connection(s) dropped by listen backlog overflow (total: %d)", delta, overflows)
			}
			last = overflows

		case <-s.shutdown:
			return
		}
	}
}

// getListenOverflows reads TcpExt ListenOverflows from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	return parseListenOverflows(bufio.NewScanner(file))
}

// parseListenOverflows finds the ListenOverflows column in the TcpExt
// header/value line pair
func parseListenOverflows(scanner *bufio.Scanner) uint64 {
	var headers, values []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}

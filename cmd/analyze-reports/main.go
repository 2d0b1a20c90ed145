// Command analyze-reports summarizes archived sweep reports from the S3
// bucket: clean rate, reclaim totals, and the devices that keep surviving
// sweeps across the fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	dmsweep "github.com/superfly/dmsweep"
)

func main() {
	bucket := flag.String("bucket", "dmsweep-reports", "S3 bucket holding archived reports")
	prefix := flag.String("prefix", "", "Key prefix reports were archived under")
	region := flag.String("region", "us-east-1", "AWS region")
	limit := flag.Int("limit", 500, "Maximum number of recent reports to fetch")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(*region))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}

	client := s3.NewFromConfig(cfg)

	fmt.Println("=== Archived Sweep Report Analysis ===")
	fmt.Println()
	fmt.Printf("Bucket: s3://%s/%s\n", *bucket, *prefix)
	fmt.Println()

	fmt.Println("Step 1: Listing archived reports...")
	fmt.Println()

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(*bucket),
		Prefix: aws.String(*prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to list reports: %v\n", err)
			os.Exit(1)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, ".json") {
				keys = append(keys, *obj.Key)
			}
		}
	}

	if len(keys) == 0 {
		fmt.Println("ERROR: No archived reports found")
		os.Exit(1)
	}

	// Keys are date-partitioned, so lexicographic order is chronological;
	// keep the most recent window.
	sort.Strings(keys)
	if len(keys) > *limit {
		keys = keys[len(keys)-*limit:]
	}

	fmt.Printf("Fetching %d report(s)...\n", len(keys))
	fmt.Println()

	var reports []*dmsweep.SweepReport
	for _, key := range keys {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(*bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARN: failed to fetch %s: %v\n", key, err)
			continue
		}

		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARN: failed to read %s: %v\n", key, err)
			continue
		}

		report, err := dmsweep.UnmarshalSweepReport(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARN: skipping unparseable report %s: %v\n", key, err)
			continue
		}
		reports = append(reports, report)
	}

	if len(reports) == 0 {
		fmt.Println("ERROR: No readable reports")
		os.Exit(1)
	}

	var (
		clean          int
		totalDevices   int
		totalMounts    int
		totalDuration  time.Duration
		leftoverCounts = map[string]int{}
		hostCounts     = map[string]int{}
		hostDirty      = map[string]int{}
	)
	for _, r := range reports {
		if r.Clean {
			clean++
		} else {
			hostDirty[r.Hostname]++
		}
		totalDevices += r.DevicesRemoved
		totalMounts += r.MountsDetached
		totalDuration += r.Duration()
		for _, name := range r.Leftover {
			leftoverCounts[name]++
		}
		hostCounts[r.Hostname]++
	}
	avgDuration := totalDuration / time.Duration(len(reports))

	fmt.Println("Step 2: Fleet Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Reports analyzed:  %d\n", len(reports))
	fmt.Printf("Clean runs:        %d (%.1f%%)\n", clean, float64(clean)*100/float64(len(reports)))
	fmt.Printf("Devices removed:   %d\n", totalDevices)
	fmt.Printf("Mounts detached:   %d\n", totalMounts)
	fmt.Printf("Average duration:  %s\n", avgDuration.Round(time.Millisecond))
	fmt.Printf("Hosts reporting:   %d\n", len(hostCounts))
	fmt.Println()

	fmt.Println("Step 3: Devices Surviving Sweeps Most Often")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if len(leftoverCounts) == 0 {
		fmt.Println("None - every marked device was removed in every run")
	} else {
		type sticky struct {
			name  string
			count int
		}
		var stickies []sticky
		for name, count := range leftoverCounts {
			stickies = append(stickies, sticky{name, count})
		}
		sort.Slice(stickies, func(i, j int) bool {
			if stickies[i].count != stickies[j].count {
				return stickies[i].count > stickies[j].count
			}
			return stickies[i].name < stickies[j].name
		})
		if len(stickies) > 10 {
			stickies = stickies[:10]
		}
		for _, s := range stickies {
			fmt.Printf("%-6d  %s\n", s.count, s.name)
		}
		fmt.Println()
		fmt.Println("Devices here are held open by something outside the sweep's")
		fmt.Println("scope; run 'dmsweep status' on the affected host to see the")
		fmt.Println("chronic ledger.")
	}
	fmt.Println()

	fmt.Println("Step 4: Runs Per Host")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	hosts := make([]string, 0, len(hostCounts))
	for host := range hostCounts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		dirty := ""
		if n := hostDirty[host]; n > 0 {
			dirty = fmt.Sprintf("  (%d dirty)", n)
		}
		fmt.Printf("%-6d  %s%s\n", hostCounts[host], host, dirty)
	}
}

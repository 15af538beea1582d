package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	C "github.com/augustogoulart/posthog/config"
	"github.com/augustogoulart/posthog/metrics"
	funnelModel "github.com/augustogoulart/posthog/model"
	"github.com/augustogoulart/posthog/model/model"
	"github.com/augustogoulart/posthog/model/store"
	storeClickHouse "github.com/augustogoulart/posthog/model/store/clickhouse"
	storeMemory "github.com/augustogoulart/posthog/model/store/memory"
	U "github.com/augustogoulart/posthog/util"
)

const (
	modeSteps           = "steps"
	modeTrends          = "trends"
	modeUsers           = "users"
	modeBreakdownValues = "breakdown_values"
)

func readQueryFile(path string) (model.FunnelQuery, error) {
	var query model.FunnelQuery
	raw, err := os.ReadFile(path)
	if err != nil {
		return query, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &query)
	default:
		err = json.Unmarshal(raw, &query)
	}
	return query, err
}

func readEventsFile(path string, memory *storeMemory.Memory) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	count, err := memory.ReadEvents(file)
	if err != nil {
		return err
	}
	log.WithField("events", count).Info("Loaded events.")
	return nil
}

func run(ctx context.Context, m funnelModel.Model, mode string, projectID int64,
	query model.FunnelQuery, aggregate string) (interface{}, error) {

	switch mode {
	case modeTrends:
		return m.RunFunnelTrendsQuery(ctx, projectID, query)
	case modeUsers:
		return m.GetFunnelUsers(ctx, projectID, query)
	case modeBreakdownValues:
		limit := model.DefaultBreakdownLimit
		if query.Breakdown != nil && query.Breakdown.Limit > 0 {
			limit = query.Breakdown.Limit
		}
		return m.GetBreakdownValues(ctx, projectID, query, aggregate, limit)
	default:
		return m.RunFunnelQuery(ctx, projectID, query)
	}
}

func main() {
	configFlag := flag.String("config", "", "Path of the config json. Optional when only compiling.")
	envFlag := flag.String("env", C.DEVELOPMENT, "Environment. Could be development|staging|production")
	projectIDFlag := flag.Int64("project_id", 0, "Project id to run the query for.")
	queryFlag := flag.String("query", "", "Path of the funnel query as json or yaml.")
	modeFlag := flag.String("mode", modeSteps, "Could be steps|trends|users|breakdown_values")
	aggregateFlag := flag.String("aggregate", model.DefaultBreakdownAggregate, "Aggregate ranking breakdown values.")
	executeFlag := flag.Bool("execute", false, "Run the query on ClickHouse instead of printing the statement.")
	expandFlag := flag.Bool("expand", false, "Print the statement with params substituted.")
	eventsFlag := flag.String("events", "", "Evaluate the query over events of a json lines file, without a database.")
	timeoutFlag := flag.Duration("timeout", 5*time.Minute, "Timeout of the query.")
	flag.Parse()

	if *envFlag != C.DEVELOPMENT && *envFlag != C.STAGING && *envFlag != C.PRODUCTION {
		panic(fmt.Errorf("env [ %s ] not recognised", *envFlag))
	} else if *projectIDFlag == 0 {
		panic(fmt.Errorf("invalid project id %d", *projectIDFlag))
	} else if *queryFlag == "" {
		panic(fmt.Errorf("query file is required"))
	}

	config := &C.Configuration{AppName: "run_funnel_query", Env: *envFlag}
	if *configFlag != "" {
		fileConfig, err := C.ReadConfigFile(*configFlag)
		if err != nil {
			log.WithError(err).Fatal("Failed to read config.")
		}
		config = fileConfig
		config.Env = *envFlag
	}
	if err := C.InitConf(config); err != nil {
		log.WithError(err).Fatal("Failed to initialize config.")
	}
	logCtx := log.WithFields(log.Fields{"project_id": *projectIDFlag, "mode": *modeFlag})

	query, err := readQueryFile(*queryFlag)
	if err != nil {
		logCtx.WithError(err).Fatal("Failed to read query.")
	}
	if *modeFlag == modeTrends {
		query.VizType = model.FunnelVizTrends
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	var result interface{}
	switch {
	case *eventsFlag != "":
		memory := storeMemory.New()
		if err := readEventsFile(*eventsFlag, memory); err != nil {
			logCtx.WithError(err).Fatal("Failed to read events.")
		}
		result, err = run(ctx, memory, *modeFlag, *projectIDFlag, query, *aggregateFlag)

	case *executeFlag:
		if err := C.InitClickHouse(config.ClickHouseInfo); err != nil {
			logCtx.WithError(err).Fatal("Failed to initialize clickhouse.")
		}
		if err := C.InitDB(config.DBInfo); err != nil {
			logCtx.WithError(err).Fatal("Failed to initialize db.")
		}
		if config.RedisHost != "" {
			C.InitRedis(config.RedisHost, config.RedisPort)
		}
		if exporter := metrics.InitMetrics(config.Env, config.AppName, config.GCPProjectID,
			config.GCPProjectLocation); exporter != nil {
			defer exporter.StopMetricsExporter()
			defer exporter.Flush()
		}
		result, err = run(ctx, store.GetStore(), *modeFlag, *projectIDFlag, query, *aggregateFlag)

	default:
		if *modeFlag == modeUsers && query.FunnelStep == nil {
			logCtx.Fatal("funnel_step is required for users.")
		}
		var statement *model.FunnelStatement
		statement, err = storeClickHouse.New().CompileFunnelQuery(ctx, *projectIDFlag, query)
		if err == nil && *expandFlag {
			fmt.Println(U.DBDebugPreparedStatement(statement.Stmnt, statement.Params))
			return
		}
		result = statement
	}
	if err != nil {
		logCtx.WithError(err).Fatal("Failed to run funnel query.")
	}

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logCtx.WithError(err).Fatal("Failed to encode result.")
	}
	fmt.Println(string(output))
}

// 导入器入口：解析命令行参数与环境变量，装配缓存/解析器/编排器并执行单轮导入
// 约束：个别反地理失败不影响退出码；输入文件、JSON、数据库连接与最终插入失败以非零退出
package main

import (
	"context"
	"flag"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"travelrecap/internal/geocode"
	"travelrecap/internal/importer"
	"travelrecap/internal/logger"
	"travelrecap/internal/store"
	"travelrecap/internal/utils"
)

func main() {
	jsonFile := flag.String("json-file", "data/GoogleTimeline.json", "path to GoogleTimeline.json export")
	dryRun := flag.Bool("dry-run", false, "preview without inserting into database")
	skipGeocode := flag.Bool("skip-geocode", false, "skip reverse geocoding (only store lat/lng)")
	flag.Parse()

	_ = godotenv.Load(".env")
	l := logger.Setup()
	l.Info("visits_import_start", "file", *jsonFile, "dry_run", *dryRun, "skip_geocode", *skipGeocode)

	if _, err := os.Stat(*jsonFile); err != nil {
		l.Error("input_file_error", "file", *jsonFile, "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		l.Error("db_ping_error", "err", err)
		os.Exit(1)
	}
	l.Info("db_ping_ok")
	st := store.AttachDB(db)

	batchSize := 100
	if v := os.Getenv("IMPORT_BATCH_SIZE"); v != "" {
		if n, e := strconv.Atoi(v); e == nil && n > 0 {
			batchSize = n
		}
	}

	places := geocode.NewPlaceCache(st)
	var provider geocode.Provider
	if !*skipGeocode {
		provider = geocode.NewClientFromEnv()
	}
	resolver := geocode.NewResolver(places, provider)

	im := importer.New(st, places, resolver, importer.Options{
		JSONFile:    *jsonFile,
		DryRun:      *dryRun,
		SkipGeocode: *skipGeocode,
		BatchSize:   batchSize,
	})
	if _, err := im.Run(context.Background()); err != nil {
		l.Error("import_error", "err", err)
		os.Exit(1)
	}
}

// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 各サービスが他のサービスのAPIを呼び出す際に使用する。
// 求人サービスから応募サービスへの応募一覧取得など、
// サービス間の通信パターンを統一する。
package httpclient
